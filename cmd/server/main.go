// Package main provides the entry point for the Kiro/Amazon Q gateway.
// It translates OpenAI- and Anthropic-shaped chat requests into Kiro's
// conversationState wire format across a pool of accounts, handling
// token refresh, quota tracking, and error classification along the
// way.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/kiroq-gateway/gateway/internal/account"
	"github.com/kiroq-gateway/gateway/internal/adminrpc"
	"github.com/kiroq-gateway/gateway/internal/authkey"
	"github.com/kiroq-gateway/gateway/internal/config"
	"github.com/kiroq-gateway/gateway/internal/dispatch"
	"github.com/kiroq-gateway/gateway/internal/httpapi"
	"github.com/kiroq-gateway/gateway/internal/lock"
	"github.com/kiroq-gateway/gateway/internal/logging"
	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/quota"
	"github.com/kiroq-gateway/gateway/internal/refresh"
	"github.com/kiroq-gateway/gateway/internal/store"
)

const (
	kiroEndpoint    = "https://q.us-east-1.amazonaws.com"
	kiroContentType = "application/x-amz-json-1.0"
	kiroTarget      = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.AddHook(logging.GlobalBuffer)
}

func main() {
	cfg := config.Load()
	logging.SetLogLevel(cfg.LogLevel)
	configureLogOutput(cfg)
	log.Infof("kiroq-gateway %s (%s, built %s) starting", Version, Commit, BuildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath, store.Options{
		QueryTimeout:         cfg.DatabaseTimeout,
		SQLiteMaxConnections: cfg.SQLiteMaxConnections,
	})
	if err != nil {
		log.Fatalf("gateway: failed to open persistence backend: %v", err)
	}
	defer db.Close()

	masterKey, err := resolveMasterKey(cfg)
	if err != nil {
		log.Fatalf("gateway: failed to resolve master key: %v", err)
	}

	keys, err := authkey.NewManager(ctx, db, masterKey, false)
	if err != nil {
		log.Fatalf("gateway: failed to initialize key manager: %v", err)
	}

	accounts := account.New(db, cfg.MaxErrorCount)

	adm := adminrpc.New(accounts, keys)
	if cfg.AccountsSeedFile != "" {
		if err := seedAccounts(ctx, adm, cfg.AccountsSeedFile); err != nil {
			log.Warnf("gateway: account seed file %s: %v", cfg.AccountsSeedFile, err)
		}
		go watchSeedFile(ctx, cfg.AccountsSeedFile)
	}

	locker, err := lock.New(cfg.LockDir, cfg.LockTimeout)
	if err != nil {
		log.Fatalf("gateway: failed to initialize refresh lock: %v", err)
	}
	refresher := refresh.New(db, locker, &http.Client{Timeout: 30 * time.Second})
	go refresher.Background(ctx, 5*time.Minute)

	tracker := quota.New(db, time.Hour)

	dispatcher := dispatch.New(accounts, refresher, tracker, kiroHTTPTransport(&http.Client{Timeout: 120 * time.Second}))

	_ = adm // wired for in-process admin tooling, not served over HTTP

	server := httpapi.New(keys, dispatcher, tracker, cfg.TokenCountMultiplier)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Engine(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		log.Infof("gateway: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: server failed: %v", err)
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	log.Info("gateway: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("gateway: forced shutdown: %v", err)
	}
	cancel()
}

// configureLogOutput points logrus at a rotating file in addition to
// stdout when LogFilePath is set, so a long-running gateway doesn't
// fill the disk with one ever-growing log file.
func configureLogOutput(cfg *config.Config) {
	if cfg.LogFilePath == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
}

// accountSeed is one entry of an operator-authored YAML file listing
// accounts to import on startup, for bootstrapping a pool without a
// round of individual adminrpc.ImportAccount calls.
type accountSeed struct {
	ID           string `yaml:"id"`
	RefreshToken string `yaml:"refresh_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Email        string `yaml:"email"`
	AuthMethod   string `yaml:"auth_method"`
	ProfileArn   string `yaml:"profile_arn"`
}

// seedAccounts imports every account named in path that the store
// doesn't already hold, skipping duplicates rather than failing the
// whole batch on one already-imported entry.
func seedAccounts(ctx context.Context, adm *adminrpc.Admin, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var seeds []accountSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, s := range seeds {
		acc := &model.Account{
			ID:           s.ID,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RefreshToken: s.RefreshToken,
			Enabled:      true,
			Other: map[string]any{
				"email":       s.Email,
				"auth_method": s.AuthMethod,
				"profile_arn": s.ProfileArn,
			},
		}
		if _, err := adm.ImportAccount(ctx, acc); err != nil {
			log.Debugf("gateway: seed account %s skipped: %v", s.ID, err)
		}
	}
	return nil
}

// watchSeedFile logs a notice whenever the seed file changes on disk,
// since re-importing edited entries requires a restart and an operator
// editing it in place should know to trigger one.
func watchSeedFile(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("gateway: account seed watcher unavailable: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warnf("gateway: failed to watch %s: %v", path, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(path) && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Infof("gateway: account seed file %s changed; restart to re-import", path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("gateway: account seed watcher error: %v", err)
		}
	}
}

// resolveMasterKey prefers an explicit MASTER_KEY env value and falls
// back to a key file at MasterKeyPath, generating one on first boot.
func resolveMasterKey(cfg *config.Config) ([]byte, error) {
	if cfg.MasterKey != "" {
		return []byte(cfg.MasterKey), nil
	}
	if data, err := os.ReadFile(cfg.MasterKeyPath); err == nil {
		return data, nil
	}
	return nil, fmt.Errorf("no MASTER_KEY set and no key file at %s; generate one and set MASTER_KEY_PATH", cfg.MasterKeyPath)
}

// kiroHTTPTransport is the production dispatch.HTTPDo backed by a
// pooled *http.Client, separated from the request-building concerns
// in internal/translate so it stays swappable in dispatcher tests.
func kiroHTTPTransport(client *http.Client) dispatch.HTTPDo {
	return func(ctx context.Context, acc *model.Account, body []byte, endpoint string) (*http.Response, error) {
		body = withProfileArn(body, acc)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", kiroContentType)
		req.Header.Set("x-amz-target", kiroTarget)
		if acc.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
		}
		return client.Do(req)
	}
}

// withProfileArn stamps conversationState.profileArn onto the wire body
// for social-auth (Google) accounts. Builder ID / IAM Identity Center
// accounts never carry a profile ARN and must not send the field.
func withProfileArn(body []byte, acc *model.Account) []byte {
	if acc.Other == nil {
		return body
	}
	if method, _ := acc.Other["auth_method"].(string); method == "builder_id" || method == "idc" {
		return body
	}
	profileArn, _ := acc.Other["profile_arn"].(string)
	if profileArn == "" {
		return body
	}
	patched, err := sjson.SetBytes(body, "profileArn", profileArn)
	if err != nil {
		return body
	}
	return patched
}
