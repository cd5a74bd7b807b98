package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	privacyidea "github.com/privacyidea/privacyidea-sub004"
	"github.com/privacyidea/privacyidea-sub004/gormstore"
)

var (
	dbPath    string
	redisAddr string
	Version   = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "piadmin",
		Short: "piadmin - administrative tool for the authentication engine",
		Long:  "Manage tokens and policies, and test authentications against the decision engine",
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "privacyidea.db", "sqlite database path")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "redis address; if empty, REDIS_ADDR env or an embedded miniredis is used")

	rootCmd.AddCommand(
		policyCmd(),
		enrollCmd(),
		authCmd(),
		resyncCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runtimeEnv struct {
	engine   *privacyidea.Engine
	policies *gormstore.Policies
	cleanup  func()
}

func openEnv() (*runtimeEnv, error) {
	db, err := gormstore.Open(dbPath)
	if err != nil {
		return nil, err
	}

	addr := redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	var client *redis.Client
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() { _ = client.Close() }
	}

	policyStore := gormstore.NewPolicyStore(db)
	engine, err := privacyidea.New().
		WithRedis(client).
		WithTokenStore(gormstore.NewTokenStore(db)).
		WithPolicyStore(policyStore).
		WithAuditSink(privacyidea.NewJSONWriterSink(os.Stderr)).
		Build()
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := engine.ReloadPolicies(context.Background()); err != nil {
		engine.Close()
		cleanup()
		return nil, err
	}

	return &runtimeEnv{
		engine:   engine,
		policies: policyStore,
		cleanup: func() {
			engine.Close()
			cleanup()
		},
	}, nil
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "List, import and export policies",
	}
	cmd.AddCommand(policyListCmd(), policyImportCmd(), policyExportCmd())
	return cmd
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.cleanup()

			policies, err := env.policies.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCOPE\tPRIORITY\tACTIVE\tACTIONS")
			fmt.Fprintln(w, "----\t-----\t--------\t------\t-------")
			for _, p := range policies {
				active := "yes"
				if !p.Active {
					active = "no"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", p.Name, p.Scope, p.Priority, active, len(p.Actions))
			}
			return w.Flush()
		},
	}
}

func policyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Import a policy set from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			policies, err := privacyidea.ImportPolicies(data)
			if err != nil {
				return err
			}

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.cleanup()

			for _, p := range policies {
				if err := env.policies.Save(cmd.Context(), p); err != nil {
					return err
				}
			}
			fmt.Printf("imported %d policies\n", len(policies))
			return nil
		},
	}
}

func policyExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the policy set as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.cleanup()

			policies, err := env.policies.List(cmd.Context())
			if err != nil {
				return err
			}
			data, err := privacyidea.ExportPolicies(policies)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func enrollCmd() *cobra.Command {
	var (
		tokenType string
		user      string
		realm     string
		pin       string
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a new token",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.cleanup()

			res, err := env.engine.EnrollToken(cmd.Context(), privacyidea.EnrollRequest{
				Type:       tokenType,
				OwnerLogin: user,
				OwnerRealm: realm,
				PIN:        pin,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Serial:  %s\n", res.Serial)
			fmt.Printf("Secret:  %s\n", res.SecretBase32)
			fmt.Printf("URI:     %s\n", res.ProvisionURI)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenType, "type", privacyidea.TokenTypeHOTP, "token type (hotp, totp, daypassword)")
	cmd.Flags().StringVar(&user, "user", "", "owner login")
	cmd.Flags().StringVar(&realm, "realm", "", "owner realm")
	cmd.Flags().StringVar(&pin, "pin", "", "initial token pin")
	return cmd
}

func authCmd() *cobra.Command {
	var transactionID string
	cmd := &cobra.Command{
		Use:   "auth [serial] [credential]",
		Short: "Test an authentication against one token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.cleanup()

			options := map[string]string{}
			if transactionID != "" {
				options["transaction_id"] = transactionID
			}
			res, err := env.engine.AuthenticateBySerial(cmd.Context(), args[0], args[1], options)
			if err != nil {
				return err
			}

			verdict := "DENIED"
			if res.Accepted {
				verdict = "ACCEPTED"
			}
			fmt.Printf("Result:   %s\n", verdict)
			fmt.Printf("Message:  %s\n", res.Message)
			if res.TransactionID != "" {
				fmt.Printf("Transaction: %s\n", res.TransactionID)
			}
			if res.Assertion != "" {
				fmt.Printf("Assertion: %s\n", res.Assertion)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&transactionID, "transaction-id", "", "answer an open challenge instead of starting a new round")
	return cmd
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync [serial] [otp1] [otp2]",
		Short: "Resynchronize an event token with two consecutive OTP values",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.cleanup()

			ok, err := env.engine.ResyncToken(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("resync failed: no consecutive pair found in the sync window")
			}
			fmt.Println("resync successful")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}
