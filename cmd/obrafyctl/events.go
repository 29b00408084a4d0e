package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/obrafy/entitlements/internal/models"
	"github.com/obrafy/entitlements/internal/repository"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect processed gateway events",
}

var eventsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List processed events that recorded an error",
	Long: `List gateway events that were finalized with a branch error, newest
first. These events are not redelivered; use the recorded error to decide
on a manual fix.`,
	RunE: runEventsFailed,
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one processed event",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsShow,
}

func init() {
	eventsFailedCmd.Flags().Int("limit", 50, "maximum number of events to list")

	eventsCmd.AddCommand(eventsFailedCmd)
	eventsCmd.AddCommand(eventsShowCmd)

	rootCmd.AddCommand(eventsCmd)
}

func runEventsFailed(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	db, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := repository.NewEventRepository(db.Pool()).ListFailed(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	return writeFailedEvents(cmd.OutOrStdout(), events)
}

func writeFailedEvents(w io.Writer, events []*models.ProcessedEvent) error {
	if jsonOut {
		return printJSON(w, map[string]any{"events": events, "count": len(events)})
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "No failed events")
		return nil
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "EVENT ID\tTYPE\tATTEMPTS\tPROCESSED\tERROR")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.EventID,
			e.EventType,
			e.Attempts,
			formatTime(e.ProcessedAt),
			deref(e.Error),
		)
	}
	return tw.Flush()
}

func runEventsShow(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	event, err := repository.NewEventRepository(db.Pool()).Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}
	return writeEvent(cmd.OutOrStdout(), args[0], event)
}

func writeEvent(w io.Writer, eventID string, e *models.ProcessedEvent) error {
	if e == nil {
		return errors.New("event " + eventID + " not found")
	}
	if jsonOut {
		return printJSON(w, e)
	}

	state := "pending"
	if e.Processed {
		state = "processed"
	}

	fmt.Fprintf(w, "Event:      %s\n", e.EventID)
	fmt.Fprintf(w, "Type:       %s\n", e.EventType)
	fmt.Fprintf(w, "State:      %s\n", state)
	fmt.Fprintf(w, "Attempts:   %d\n", e.Attempts)
	fmt.Fprintf(w, "Received:   %s\n", e.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Processed:  %s\n", formatTime(e.ProcessedAt))
	if !e.Processed {
		fmt.Fprintf(w, "Claimed to: %s\n", e.ClaimedUntil.UTC().Format(time.RFC3339))
	}
	if e.Error != nil {
		fmt.Fprintf(w, "Error:      %s\n", *e.Error)
	}
	fmt.Fprintf(w, "\n%s\n", e.Payload)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
