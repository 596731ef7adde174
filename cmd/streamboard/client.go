package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/streamboard/internal/authclient"
	"github.com/tyemirov/streamboard/internal/credentials"
	"github.com/tyemirov/streamboard/pkg/sessionguard"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	configCodeMissingBaseURL        = "config.missing_base_url"
	configCodeMissingCredentialsURL = "config.missing_credentials_url"
	configCodeMissingUsername       = "config.missing_username"
	configCodeMissingPassword       = "config.missing_password"
)

// ClientConfig holds the settings shared by the client commands.
type ClientConfig struct {
	BaseURL        string
	CredentialsURL string
	RefreshTimeout time.Duration
}

// LoadClientConfig validates the client settings.
func LoadClientConfig() (ClientConfig, error) {
	baseURL := strings.TrimSpace(viper.GetString("base_url"))
	if baseURL == "" {
		return ClientConfig{}, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	credentialsURL := strings.TrimSpace(viper.GetString("credentials_url"))
	if credentialsURL == "" {
		return ClientConfig{}, configError(configCodeMissingCredentialsURL, "credentials_url must be provided")
	}
	refreshTimeout := viper.GetDuration("refresh_timeout")
	if refreshTimeout <= 0 {
		refreshTimeout = sessionguard.DefaultRefreshTimeout
	}
	return ClientConfig{
		BaseURL:        baseURL,
		CredentialsURL: credentialsURL,
		RefreshTimeout: refreshTimeout,
	}, nil
}

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a token pair and store it for later commands",
		RunE: func(command *cobra.Command, arguments []string) error {
			username := viper.GetString("username")
			if strings.TrimSpace(username) == "" {
				return configError(configCodeMissingUsername, "username must be provided")
			}
			password := viper.GetString("password")
			if password == "" {
				return configError(configCodeMissingPassword, "password must be provided")
			}
			return withClient(command, func(ctx context.Context, client *authclient.Client) error {
				if err := client.Login(ctx, username, password); err != nil {
					return err
				}
				_, err := fmt.Fprintf(command.OutOrStdout(), "logged in as %s\n", username)
				return err
			})
		},
	}
	loginCmd.Flags().String("username", "", "Account username")
	loginCmd.Flags().String("password", "", "Account password")
	_ = viper.BindPFlag("username", loginCmd.Flags().Lookup("username"))
	_ = viper.BindPFlag("password", loginCmd.Flags().Lookup("password"))
	return loginCmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the stored refresh token and forget both tokens",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withClient(command, func(ctx context.Context, client *authclient.Client) error {
				if err := client.Logout(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintln(command.OutOrStdout(), "logged out")
				return err
			})
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Call an authorized endpoint, refreshing the session once if it expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withClient(command, func(ctx context.Context, client *authclient.Client) error {
				body, err := client.Get(ctx, arguments[0])
				if err != nil {
					return err
				}
				return writeIndentedJSON(command.OutOrStdout(), body)
			})
		},
	}
}

func withClient(command *cobra.Command, run func(ctx context.Context, client *authclient.Client) error) error {
	clientConfig, configErr := LoadClientConfig()
	if configErr != nil {
		return configErr
	}

	logger, loggerErr := newClientLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, buildErr := buildClient(ctx, clientConfig, logger, command.ErrOrStderr())
	if buildErr != nil {
		return buildErr
	}
	return run(ctx, client)
}

func buildClient(ctx context.Context, clientConfig ClientConfig, logger *zap.Logger, notices io.Writer) (*authclient.Client, error) {
	store, storeErr := credentials.NewDatabaseStore(ctx, clientConfig.CredentialsURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Debug("using credential store", zap.String("driver", store.Driver()))

	httpClient := &http.Client{Timeout: 15 * time.Second}
	guard, guardErr := sessionguard.New(sessionguard.Config{
		Store:          store,
		Refresher:      authclient.NewHTTPRefresher(clientConfig.BaseURL, "", httpClient),
		Navigator:      loginPrompt(notices),
		Logger:         logger,
		RefreshTimeout: clientConfig.RefreshTimeout,
		Listener: func(result sessionguard.Result) {
			logger.Debug("session guard outcome", zap.String("outcome", result.Outcome.String()))
		},
	})
	if guardErr != nil {
		return nil, guardErr
	}

	return authclient.New(authclient.Config{
		BaseURL:    clientConfig.BaseURL,
		HTTPClient: httpClient,
		Store:      store,
		Guard:      guard,
		Logger:     logger,
	})
}

// loginPrompt is the terminal equivalent of redirecting to the login page.
func loginPrompt(notices io.Writer) sessionguard.Navigator {
	return sessionguard.NavigatorFunc(func(ctx context.Context, loginPath string) {
		_, _ = fmt.Fprintf(notices, "session expired (%s): run `streamboard login` to sign in again\n", loginPath)
	})
}

func newClientLogger() (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return loggerConfig.Build()
}

func writeIndentedJSON(output io.Writer, body json.RawMessage) error {
	if len(body) == 0 {
		return nil
	}
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, body, "", "  "); err != nil {
		return fmt.Errorf("streamboard.get.format: %w", err)
	}
	formatted.WriteByte('\n')
	_, err := output.Write(formatted.Bytes())
	return err
}
