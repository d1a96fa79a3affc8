package finder

import (
	"context"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// scanKinds are the event kinds that carry relay URLs: deprecated relay
// recommendations, contact lists, relay list metadata, and relay monitor
// announcements.
var scanKinds = []int{2, 3, 10002, 10166}

type eventScanResult struct {
	cursor models.EventScanCursor
	pages  int
	err    error
}

// scanEvents walks the archived event stream from the persisted cursor,
// streaming every relay URL reference it finds. The returned cursor covers
// the pages read so far even when the scan ends in an error, so the caller
// can persist partial progress.
func (f *Finder) scanEvents(ctx context.Context, found chan<- foundURL) eventScanResult {
	cursor, err := f.loadCursor(ctx)
	if err != nil {
		return eventScanResult{err: err}
	}

	result := eventScanResult{cursor: cursor}

	for page := 0; page < f.cfg.EventMaxPages; page++ {
		events, err := f.store.EventPage(ctx, result.cursor, scanKinds, f.cfg.EventPageSize)
		if err != nil {
			result.err = err
			return result
		}

		if len(events) == 0 {
			break
		}

		for _, event := range events {
			for _, raw := range extractURLs(event) {
				select {
				case found <- foundURL{url: raw, source: sourceEvents}:
				case <-ctx.Done():
					result.err = ctx.Err()
					return result
				}
			}
		}

		last := events[len(events)-1]
		result.cursor = models.EventScanCursor{
			LastCreatedAt: int64(last.CreatedAt),
			LastID:        last.ID,
		}
		result.pages++

		if len(events) < f.cfg.EventPageSize {
			break
		}
	}

	return result
}

func (f *Finder) loadCursor(ctx context.Context) (models.EventScanCursor, error) {
	state, err := f.states.Get(ctx, models.StateTypeCursor, models.EventScanCursorKey)
	if err != nil {
		return models.EventScanCursor{}, err
	}

	if state == nil {
		return models.EventScanCursor{}, nil
	}

	return models.ParseEventScanCursor(state.Payload)
}

// extractURLs collects the relay URL references an event carries. Kind 2
// events name a relay in their content, kind 3 contact lists may embed a
// relay preference object, and any scanned kind can reference relays
// through r tags.
func extractURLs(event *nostr.Event) []string {
	var urls []string

	switch event.Kind {
	case 2:
		if event.Content != "" {
			urls = append(urls, event.Content)
		}
	case 3:
		urls = append(urls, contactListRelays(event.Content)...)
	}

	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "r" && tag[1] != "" {
			urls = append(urls, tag[1])
		}
	}

	return urls
}

// contactListRelays parses the legacy kind 3 content object whose keys are
// relay URLs. Anything that is not such an object yields nothing.
func contactListRelays(content string) []string {
	if content == "" {
		return nil
	}

	var prefs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &prefs); err != nil {
		return nil
	}

	urls := make([]string, 0, len(prefs))

	for raw := range prefs {
		if raw != "" {
			urls = append(urls, raw)
		}
	}

	return urls
}
