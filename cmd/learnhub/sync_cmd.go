package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	learnhub "github.com/learnhubhq/learnhub-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().Bool("memory", false, "use an in-memory mirror instead of sqlite")
	syncCmd.Flags().Bool("verbose", false, "enable debug logging")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the chat synchronizer",
	Long: "Connect to the portal event channel and keep the local chat mirror\n" +
		"up to date until interrupted. The mirror survives restarts and seeds\n" +
		"the cache before the first network round-trip.",
	RunE: func(cmd *cobra.Command, args []string) error {
		memOnly, _ := cmd.Flags().GetBool("memory")
		verbose, _ := cmd.Flags().GetBool("verbose")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.Token == "" {
			return fmt.Errorf("no session token; run 'learnhub init <token>' first")
		}

		claims, err := learnhub.ParseTokenClaims(cfg.Default.Token)
		if err != nil {
			return fmt.Errorf("invalid session token: %w", err)
		}

		logCfg := zap.NewDevelopmentConfig()
		if !verbose {
			logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
		log, err := logCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer log.Sync()

		var mirror learnhub.Mirror
		if memOnly {
			mirror = learnhub.NewMemoryMirror()
		} else {
			path := cfg.Sync.MirrorPath
			if path == "" {
				dir, err := configDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "mirror.db")
			}
			sqlMirror, err := learnhub.NewSQLiteMirror(path, log)
			if err != nil {
				return fmt.Errorf("failed to open mirror: %w", err)
			}
			defer sqlMirror.Close()
			mirror = sqlMirror
			log.Info("using sqlite mirror", zap.String("path", path))
		}

		var maxAge time.Duration
		if cfg.Sync.MirrorMaxAge != "" {
			maxAge, err = time.ParseDuration(cfg.Sync.MirrorMaxAge)
			if err != nil {
				return fmt.Errorf("invalid sync.mirror_max_age: %w", err)
			}
		}

		client := getClientFromConfig(cfg)
		channel := client.Realtime(&learnhub.RealtimeConfig{
			Token:         cfg.Default.Token,
			AutoReconnect: true,
		})

		sync := learnhub.NewChatSync(learnhub.ChatSyncConfig{
			Gateway:      client.Chats,
			Channel:      channel,
			Mirror:       mirror,
			Logger:       log,
			LocalUser:    claims.LocalUser(),
			MirrorMaxAge: maxAge,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := sync.Start(ctx); err != nil {
			return fmt.Errorf("failed to start synchronizer: %w", err)
		}
		log.Info("synchronizer running", zap.String("user", claims.UserID))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		cancel()
		channel.Disconnect()
		sync.Flush()
		return nil
	},
}
