package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/display"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/reminder"
	"github.com/teranos/slotpulse/slot"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the slotpulse database",
	Long: `db - Manage the slotpulse database

Examples:
  slotpulse db migrate     # Apply pending migrations
  slotpulse db stats       # Slots, reminders and messages per status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per status",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	versions, err := db.AppliedVersions(conn)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		pterm.Warning.Printf("%s has no migrations applied\n", cfg.GetDatabasePath())
		return nil
	}
	pterm.Success.Printf("%s is at migration %s (%d applied)\n", cfg.GetDatabasePath(), versions[len(versions)-1], len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()
	ctx := context.Background()

	slots, err := slot.NewStore(a.db).CountByStatus(ctx)
	if err != nil {
		return err
	}
	jobs, err := reminder.NewStore(a.db).CountByStatus(ctx)
	if err != nil {
		return err
	}
	msgs, err := outbox.NewStore(a.db).Stats(ctx)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), map[string]interface{}{
			"database":        a.cfg.GetDatabasePath(),
			"slots":           slots,
			"reminder_jobs":   jobs,
			"outbox_messages": msgs,
		})
	}

	data := pterm.TableData{{"Table", "Status", "Rows"}}
	for st, n := range slots {
		data = append(data, []string{"slots", string(st), strconv.Itoa(n)})
	}
	for st, n := range jobs {
		data = append(data, []string{"reminder_jobs", string(st), strconv.Itoa(n)})
	}
	for st, n := range msgs {
		data = append(data, []string{"outbox_messages", string(st), strconv.Itoa(n)})
	}
	pterm.Info.Printf("Database: %s\n", a.cfg.GetDatabasePath())
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
