// Package cmd wires the sideload pipeline into a command line: credential
// and 2FA prompts, session restore from the vault, device selection and the
// external signing tool.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nab138/isideload/pkg/account"
	"github.com/nab138/isideload/pkg/anisette"
	"github.com/nab138/isideload/pkg/devportal"
	"github.com/nab138/isideload/pkg/idevice"
	"github.com/nab138/isideload/pkg/provision"
	"github.com/nab138/isideload/pkg/sideload"
	"github.com/nab138/isideload/pkg/store"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "isideload <APP>",
	Short:         "Sideload apps onto a connected iOS device with a free Apple ID",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the root command. Called by main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/isideload/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
	rootCmd.Flags().StringP("apple-id", "a", "", "Apple ID to sign in with")
	rootCmd.Flags().StringP("udid", "u", "", "target device UDID (default: first connected device)")
	rootCmd.Flags().String("store", "", "directory for cached certificates and profiles")
	rootCmd.Flags().String("anisette-url", "", "anisette server URL")
	rootCmd.Flags().String("machine-name", "", "name used to tag certificates (default: hostname)")
	rootCmd.Flags().String("signer", "", "signing command, invoked as: <signer> <binary> <p12> <entitlements.plist>")
	rootCmd.Flags().Bool("revoke-on-quota", false, "revoke existing development certificates when the team is at its limit")
	viper.BindPFlag("apple-id", rootCmd.Flags().Lookup("apple-id"))
	viper.BindPFlag("udid", rootCmd.Flags().Lookup("udid"))
	viper.BindPFlag("store", rootCmd.Flags().Lookup("store"))
	viper.BindPFlag("anisette-url", rootCmd.Flags().Lookup("anisette-url"))
	viper.BindPFlag("machine-name", rootCmd.Flags().Lookup("machine-name"))
	viper.BindPFlag("signer", rootCmd.Flags().Lookup("signer"))
	viper.BindPFlag("revoke-on-quota", rootCmd.Flags().Lookup("revoke-on-quota"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(filepath.Join(home, ".config", "isideload"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("isideload")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file: %s", viper.ConfigFileUsed())
	}
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".config", "isideload")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	ctx := cmd.Context()
	appPath := filepath.Clean(args[0])

	cfgDir, err := configDir()
	if err != nil {
		return err
	}
	storeDir := viper.GetString("store")
	if storeDir == "" {
		storeDir = cfgDir
	}
	machineName := viper.GetString("machine-name")
	if machineName == "" {
		machineName, err = os.Hostname()
		if err != nil {
			return err
		}
	}

	appleID := viper.GetString("apple-id")
	if appleID == "" {
		if err := survey.AskOne(&survey.Input{Message: "Apple ID:"}, &appleID, survey.WithValidator(survey.Required)); err != nil {
			return err
		}
	}

	st := store.New(storeDir)
	ani := anisette.NewClient(viper.GetString("anisette-url"))
	if data, err := st.Anisette(machineName); err == nil {
		ani.Seed(data)
	}

	vault, err := store.OpenVault(cfgDir, os.Getenv("ISIDELOAD_VAULT_PASSWORD"))
	if err != nil {
		return err
	}

	login := func(ctx context.Context) (*account.Session, error) {
		acct := account.New(ani)
		session, err := acct.Login(ctx,
			account.CredentialsFunc(func() (string, string, error) {
				var password string
				err := survey.AskOne(&survey.Password{
					Message: fmt.Sprintf("Password for %s:", appleID),
				}, &password, survey.WithValidator(survey.Required))
				return appleID, password, err
			}),
			account.TwoFactorFunc(func() (string, error) {
				var code string
				err := survey.AskOne(&survey.Input{Message: "Verification code:"}, &code, survey.WithValidator(survey.Required))
				return code, err
			}),
		)
		if err != nil {
			return nil, err
		}
		if err := account.SaveSession(vault, appleID, session); err != nil {
			log.WithError(err).Warn("failed to save session")
		}
		return session, nil
	}

	// A restored session is only trusted after the portal accepts it.
	validate := func(ctx context.Context, s *account.Session) error {
		_, err := devportal.NewSession(s, ani).ListTeams(ctx)
		return err
	}
	session, err := account.RestoreSession(ctx, vault, appleID, validate)
	if err != nil {
		session, err = login(ctx)
		if err != nil {
			return err
		}
	}
	log.WithField("appleId", appleID).Info("signed in")

	if data, err := ani.Fetch(ctx); err == nil {
		if err := st.SaveAnisette(machineName, data); err != nil {
			log.WithError(err).Debug("failed to cache anisette data")
		}
	}

	cfg := sideload.Config{
		MachineName: machineName,
		StoreDir:    storeDir,
		AccountKey:  store.AppleIDHash(appleID),
		UDID:        viper.GetString("udid"),
		Signer:      newExecSigner(viper.GetString("signer")),
		Renewer: renewerFunc(func(ctx context.Context) (*devportal.DeveloperSession, error) {
			session, err := login(ctx)
			if err != nil {
				return nil, err
			}
			return devportal.NewSession(session, ani), nil
		}),
	}
	if viper.GetBool("revoke-on-quota") {
		cfg.QuotaPolicy = provision.RevokeOnQuota{}
	}

	provider := &idevice.Provider{Progress: func(status string, percent int) {
		log.WithField("percent", percent).Info(status)
	}}

	if err := sideload.SideloadApp(ctx, provider, devportal.NewSession(session, ani), appPath, cfg); err != nil {
		return err
	}
	log.Info("done")
	return nil
}

type renewerFunc func(ctx context.Context) (*devportal.DeveloperSession, error)

func (f renewerFunc) Renew(ctx context.Context) (*devportal.DeveloperSession, error) { return f(ctx) }
