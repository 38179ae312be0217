package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/lockstep/internal/coordinator"
	"github.com/mattjoyce/lockstep/internal/events"
)

// --- Message types ---

type statusMsg coordinator.Status

type eventsMsg []events.Event

type tickMsg time.Time

type errMsg error

// --- Commands ---

// fetchStatus queries /v1/run for the current run snapshot.
func fetchStatus(apiURL string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(apiURL + "/v1/run")
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("status API returned %d", resp.StatusCode))
		}

		var s coordinator.Status
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return errMsg(err)
		}
		return statusMsg(s)
	}
}

// fetchEvents queries /v1/events for events newer than lastID.
func fetchEvents(apiURL string, lastID int64) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(fmt.Sprintf("%s/v1/events?since=%d", apiURL, lastID))
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("status API returned %d", resp.StatusCode))
		}

		var body struct {
			Events []events.Event `json:"events"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return errMsg(err)
		}
		return eventsMsg(body.Events)
	}
}
