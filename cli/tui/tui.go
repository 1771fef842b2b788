package tui

import (
	"context"
	"fmt"
	"slices"

	"github.com/nzilbb/jsendpraat/journal"
	"github.com/nzilbb/jsendpraat/router"
)

// View types.
const (
	ViewStatus  = "status"
	ViewJournal = "journal"
)

// StatusSource fetches the current bridge status.
type StatusSource func(ctx context.Context) (router.Status, error)

// Run starts the TUI for viewType. Status views take a StatusSource and
// refresh it; journal views take a []journal.Record.
func Run(viewType string, data any) error {
	if !IsTUISupported(viewType) {
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}

	switch viewType {
	case ViewStatus:
		source, ok := data.(StatusSource)
		if !ok {
			return fmt.Errorf("invalid data type for %s view", viewType)
		}
		return RunStatusTUI(source)
	case ViewJournal:
		records, ok := data.([]journal.Record)
		if !ok {
			return fmt.Errorf("invalid data type for %s view", viewType)
		}
		return RunJournalTUI(records)
	}
	return fmt.Errorf("unknown view type: %s", viewType)
}

// IsTUISupported returns true if the view type supports TUI mode.
func IsTUISupported(viewType string) bool {
	return slices.Contains(SupportedTUIViews(), viewType)
}

// SupportedTUIViews returns a list of view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewStatus, ViewJournal}
}
