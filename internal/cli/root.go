// Package cli implements the xuictl command tree: direct operations against a
// panel database (add-client, remove-clients, sync-traffic, schema) with JSON
// output and stable exit codes for scripting.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vpnonboard/internal/config"
	apperrors "vpnonboard/internal/errors"
	"vpnonboard/internal/lock"
	"vpnonboard/internal/xui"
)

// Exit codes. Scripts branch on these, so they are part of the contract.
const (
	ExitOK              = 0
	ExitInternal        = 1
	ExitUsage           = 2
	ExitNotFound        = 3
	ExitConflict        = 4
	ExitSchemaError     = 5
	ExitInvalidTemplate = 6
)

var rootCmd = &cobra.Command{
	Use:           "xuictl",
	Short:         "Operate VPN credentials in an x-ui panel database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Shared flags for every subcommand that touches the database.
var (
	flagDB        string
	flagInboundID int
	flagPort      int
	flagTag       string
	flagLockFile  string
	flagLockWait  float64
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDB, "db", config.DefaultDBPath, "path to the panel SQLite database")
	pf.IntVar(&flagInboundID, "inbound-id", 0, "select inbound by id")
	pf.IntVar(&flagPort, "inbound-port", 0, "select inbound by listen port")
	pf.StringVar(&flagTag, "inbound-tag", "", "select inbound by tag")
	pf.StringVar(&flagLockFile, "lock-file", config.DefaultLockFile, "advisory lock file guarding the database")
	pf.Float64Var(&flagLockWait, "lock-wait", 30, "seconds to wait for the lock before giving up")

	rootCmd.AddCommand(addClientCmd)
	rootCmd.AddCommand(removeClientsCmd)
	rootCmd.AddCommand(syncTrafficCmd)
	rootCmd.AddCommand(schemaCmd)
}

// Execute runs the command tree and exits with the mapped code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, apperrors.ErrInvalidInput):
		return ExitUsage
	case errors.Is(err, apperrors.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, apperrors.ErrConflict):
		return ExitConflict
	case apperrors.IsSchemaError(err):
		return ExitSchemaError
	case apperrors.IsTemplateError(err):
		return ExitInvalidTemplate
	default:
		return ExitInternal
	}
}

// selector builds the inbound selector from the shared flags. Exactly one of
// id, port, or tag must be given.
func selector() (xui.Selector, error) {
	set := 0
	if flagInboundID != 0 {
		set++
	}
	if flagPort != 0 {
		set++
	}
	if flagTag != "" {
		set++
	}
	if set != 1 {
		return xui.Selector{}, fmt.Errorf("select the inbound with exactly one of --inbound-id, --inbound-port, --inbound-tag: %w", apperrors.ErrInvalidInput)
	}
	switch {
	case flagInboundID != 0:
		return xui.SelectByID(flagInboundID), nil
	case flagPort != 0:
		return xui.SelectByPort(flagPort), nil
	default:
		return xui.SelectByTag(flagTag), nil
	}
}

// withStore opens the database, takes the advisory lock, and runs fn. The
// lock covers the whole operation so concurrent panel or daemon writes never
// interleave with ours.
func withStore(cmd *cobra.Command, fn func(store *xui.SQLiteStore) error) error {
	store, err := xui.OpenStore(flagDB, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	fl := lock.NewManager().ForPath(flagLockFile)
	wait := time.Duration(flagLockWait * float64(time.Second))
	if err := fl.Acquire(cmd.Context(), wait); err != nil {
		return err
	}
	defer fl.Release()

	return fn(store)
}

// emit prints v as indented JSON on stdout.
func emit(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
