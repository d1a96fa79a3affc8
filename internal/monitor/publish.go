package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
)

const (
	kindMonitorAnnouncement = 10166
	kindRelayDiscovery      = 30166
	kindClientAuth          = 22242
)

// authSigner answers NIP-42 challenges from publish relays with the
// monitor's own key.
func authSigner(secretKey string) func(ctx context.Context, relayURL, challenge string) (*nostr.Event, error) {
	return func(_ context.Context, relayURL, challenge string) (*nostr.Event, error) {
		event := &nostr.Event{
			Kind:      kindClientAuth,
			CreatedAt: nostr.Now(),
			Tags:      nostr.Tags{{"relay", relayURL}, {"challenge", challenge}},
		}

		if err := event.Sign(secretKey); err != nil {
			return nil, err
		}

		return event, nil
	}
}

// publisher signs and ships the cycle's NIP-66 events: one announcement
// describing this monitor, one discovery event per checked relay. One key
// signs both kinds.
type publisher struct {
	secretKey string
	targets   []models.Relay
	opts      relay.Options
	frequency time.Duration
	checks    []models.MetadataType
	logger    *slog.Logger
}

// run publishes the cycle's events to every configured relay. Rejections
// and unreachable relays are logged, never escalated. Returns how many
// publishes were accepted.
func (p *publisher) run(ctx context.Context, reports []relayReport) int {
	events := make([]*nostr.Event, 0, len(reports)+1)

	announcement := announcementEvent(p.frequency, p.checks)
	if err := announcement.Sign(p.secretKey); err != nil {
		p.logger.Warn("failed to sign announcement", slog.String("error", err.Error()))
		return 0
	}

	events = append(events, announcement)

	for _, report := range reports {
		event := discoveryEvent(report)
		if err := event.Sign(p.secretKey); err != nil {
			p.logger.Warn("failed to sign discovery event",
				slog.String("relay", report.target.URL),
				slog.String("error", err.Error()),
			)

			continue
		}

		events = append(events, event)
	}

	accepted := 0

	for _, target := range p.targets {
		client, err := relay.Connect(ctx, target, p.opts)
		if err != nil {
			p.logger.Warn("publish relay unreachable",
				slog.String("relay", target.URL),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, event := range events {
			if err := client.Publish(ctx, event); err != nil {
				p.logger.Debug("publish not accepted",
					slog.String("relay", target.URL),
					slog.Int("kind", event.Kind),
					slog.String("error", err.Error()),
				)

				continue
			}

			accepted++
		}

		client.Close()
	}

	return accepted
}

// announcementEvent declares the monitor per NIP-66: its cycle frequency
// in seconds and the checks it runs.
func announcementEvent(frequency time.Duration, checks []models.MetadataType) *nostr.Event {
	tags := nostr.Tags{
		nostr.Tag{"frequency", strconv.FormatInt(int64(frequency.Seconds()), 10)},
	}

	for _, checkType := range checks {
		tags = append(tags, nostr.Tag{"c", checkLabel(checkType)})
	}

	return &nostr.Event{
		Kind:      kindMonitorAnnouncement,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
}

// discoveryEvent summarizes one relay's checks per NIP-66, addressed by
// relay URL. Measured round-trip legs become rtt tags; a fetched NIP-11
// document contributes the supported-NIPs and software tags and rides in
// the content.
func discoveryEvent(report relayReport) *nostr.Event {
	tags := nostr.Tags{
		nostr.Tag{"d", report.target.URL},
		nostr.Tag{"n", string(report.target.Network)},
	}

	if report.rtt != nil {
		if report.rtt.RTTDial != nil {
			tags = append(tags, nostr.Tag{"rtt-open", strconv.FormatInt(*report.rtt.RTTDial, 10)})
		}

		if report.rtt.RTTRead != nil {
			tags = append(tags, nostr.Tag{"rtt-read", strconv.FormatInt(*report.rtt.RTTRead, 10)})
		}

		if report.rtt.RTTWrite != nil {
			tags = append(tags, nostr.Tag{"rtt-write", strconv.FormatInt(*report.rtt.RTTWrite, 10)})
		}
	}

	content := ""

	if report.info != nil {
		for _, nip := range report.info.SupportedNIPs {
			tags = append(tags, nostr.Tag{"N", fmt.Sprint(nip)})
		}

		if report.info.Software != "" {
			tags = append(tags, nostr.Tag{"s", report.info.Software})
		}

		if data, err := json.Marshal(report.info); err == nil {
			content = string(data)
		}
	}

	return &nostr.Event{
		Kind:      kindRelayDiscovery,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   content,
	}
}

func checkLabel(checkType models.MetadataType) string {
	switch checkType {
	case models.MetadataNIP66RTT:
		return "ws"
	case models.MetadataNIP11Info:
		return "nip11"
	case models.MetadataNIP66SSL:
		return "ssl"
	case models.MetadataNIP66DNS:
		return "dns"
	case models.MetadataNIP66GEO:
		return "geo"
	case models.MetadataNIP66NET:
		return "net"
	case models.MetadataNIP66HTTP:
		return "http"
	default:
		return string(checkType)
	}
}
