package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/xqserver/internal/client"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// PasswordEnv holds the password for basic authentication so that it does
// not show in process listings.
const PasswordEnv = "XQSERVER_PASSWORD"

var rootCmd = &cobra.Command{
	Use:   "xqserver",
	Short: "xqserver - XML query server",
	Long: `xqserver serves XQuery evaluation and library administration over HTTP.
Run "xqserver serve" to start a server; the other commands talk to a running one.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of xqserver",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xqserver version %s\n", Version)
		fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("  Go version: %s\n", runtime.Version())
	},
}

var (
	apiAddr  string
	apiUser  string
	apiRoles []string
	apiPass  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "API server address")
	rootCmd.PersistentFlags().StringVar(&apiUser, "user", "", "User name sent to the server")
	rootCmd.PersistentFlags().StringSliceVar(&apiRoles, "roles", nil, "Roles sent with --user (header authentication)")
	rootCmd.PersistentFlags().StringVar(&apiPass, "password", "", "Password for basic authentication (default $"+PasswordEnv+")")

	rootCmd.AddCommand(serveCmd, versionCmd, hashPasswordCmd)
	rootCmd.AddCommand(evalCmd, mklibCmd, dellibCmd, listlibCmd, setIndexingCmd)
	rootCmd.AddCommand(backupCmd, reindexCmd, progressCmd, actionsCmd, cancelCmd)
	rootCmd.AddCommand(reloadCmd, infoCmd, auditCmd, servicesCmd, healthCmd)
	rootCmd.AddCommand(monitorCmd, watchCmd)
}

func newClient() *client.Client {
	pass := apiPass
	if pass == "" {
		pass = os.Getenv(PasswordEnv)
	}
	return client.New(strings.TrimRight(apiAddr, "/"), client.Credentials{
		User:     apiUser,
		Password: pass,
		Roles:    apiRoles,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
