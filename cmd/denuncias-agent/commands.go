package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/auth"
	"github.com/MarcoPoloResearchLab/denuncias/internal/config"
	"github.com/MarcoPoloResearchLab/denuncias/internal/database"
	"github.com/MarcoPoloResearchLab/denuncias/internal/logging"
	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errClearNotConfirmed = errors.New("refusing to clear the queue without --yes")

type queueListing struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	Status      queue.Status `json:"status"`
	RetryCount  int          `json:"retry_count"`
	LastError   string       `json:"last_error,omitempty"`
	Attachments int          `json:"attachments"`
	Bytes       int64        `json:"attachment_bytes"`
}

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or reset the local complaint queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print every queued complaint as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := openOperatorStore()
			if err != nil {
				return err
			}
			defer release()
			items, err := store.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for _, item := range items {
				listing := queueListing{
					ID:          item.ID,
					CreatedAt:   item.CreatedAt,
					Status:      item.Status,
					RetryCount:  item.RetryCount,
					LastError:   item.LastError,
					Attachments: len(item.Attachments),
					Bytes:       item.AttachmentBytes(),
				}
				if err := encoder.Encode(listing); err != nil {
					return err
				}
			}
			return nil
		},
	}

	var confirmed bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queued complaint, including terminal errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errClearNotConfirmed
			}
			store, release, err := openOperatorStore()
			if err != nil {
				return err
			}
			defer release()
			total, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d complaint(s)\n", total)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the deletion")

	queueCmd.AddCommand(listCmd, clearCmd)
	return queueCmd
}

func newSyncCommand() *cobra.Command {
	var (
		retryFailed bool
		token       string
	)
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one drain cycle in the foreground and print its final status",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			components, err := buildAgent(appConfig, logger)
			if err != nil {
				return err
			}
			defer components.close()

			if strings.TrimSpace(token) != "" {
				sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
					SigningSecret: []byte(appConfig.SessionSecret),
					Issuer:        appConfig.SessionIssuer,
					CookieName:    appConfig.SessionCookieName,
				})
				if err != nil {
					return err
				}
				claims, err := sessions.ValidateToken(token)
				if err != nil {
					return err
				}
				components.holder.Remember(strings.TrimSpace(token), claims)
			}
			components.monitor.SetOnline(true)

			ctx := cmd.Context()
			if retryFailed {
				reset, status, _, err := components.engine.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "reset %d errored complaint(s)\n", reset)
				return json.NewEncoder(cmd.OutOrStdout()).Encode(status)
			}
			status, _ := components.engine.Sync(ctx)
			return json.NewEncoder(cmd.OutOrStdout()).Encode(status)
		},
	}
	syncCmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Give terminally failed complaints a fresh attempt budget first")
	syncCmd.Flags().StringVar(&token, "token", "", "Session token forwarded to the remote endpoint")
	return syncCmd
}

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Session utilities for local testing",
	}

	var (
		userID string
		email  string
		ttl    time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a session token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("session.signing_secret"))
			if secret == "" {
				return fmt.Errorf("session.signing_secret is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("session.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issueCmd.Flags().StringVar(&userID, "user", "", "User identifier placed in the token")
	issueCmd.Flags().StringVar(&email, "email", "", "Optional user email")
	issueCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")

	sessionCmd.AddCommand(issueCmd)
	return sessionCmd
}

// openOperatorStore returns the queue and a release func that closes the database and
// flushes the logger.
func openOperatorStore() (*queue.Store, func(), error) {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	store, err := queue.NewStore(queue.StoreConfig{
		Open:   database.Opener(appConfig.DatabasePath, logger),
		Logger: logging.Component(logger, "queue"),
		Limits: storageLimits(appConfig),
	})
	if err != nil {
		logger.Sync() //nolint:errcheck
		return nil, nil, err
	}
	release := func() {
		if err := store.Close(); err != nil {
			logger.Warn("queue database not closed", zap.Error(err))
		}
		logger.Sync() //nolint:errcheck
	}
	return store, release, nil
}
