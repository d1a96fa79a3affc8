package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/testcontainers/testcontainers-go"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/testutil"
)

// setupStore starts a PostgreSQL container, runs migrations, and returns a
// Store wired to it plus a raw connection for direct verification queries.
func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	ctx := context.Background()

	testDB := testutil.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	cfg := LoadConfig()
	cfg.URL = testDB.ConnStr
	cfg.MaxOpenConns = 5
	cfg.MaxIdleConns = 2

	conn, err := Connect(ctx, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Connect() returned error: %v", err)
	}

	t.Cleanup(func() { _ = conn.Close() })

	store, err := NewStore(conn, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}

	return store, testDB.Connection
}

func mustRelay(t *testing.T, rawURL string, discoveredAt int64) models.Relay {
	t.Helper()

	relay, err := models.NewRelay(rawURL, discoveredAt)
	if err != nil {
		t.Fatalf("NewRelay(%q) returned error: %v", rawURL, err)
	}

	return relay
}

func signedEvent(t *testing.T, sk string, kind int, createdAt int64, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()

	if tags == nil {
		tags = nostr.Tags{}
	}

	event := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
		Content:   content,
	}

	if err := event.Sign(sk); err != nil {
		t.Fatalf("failed to sign event: %v", err)
	}

	return event
}

func TestRelayProcedures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, db := setupStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	relays := []models.Relay{
		mustRelay(t, "wss://relay.one.example.com", now),
		mustRelay(t, "wss://relay.two.example.com", now),
		{URL: "wss://relay.one.example.com", Network: models.NetworkClearnet, DiscoveredAt: now + 50},
	}

	inserted, err := store.RelayInsert(ctx, relays)
	if err != nil {
		t.Fatalf("RelayInsert() returned error: %v", err)
	}

	if inserted != 2 {
		t.Errorf("RelayInsert() = %d, want 2 (within-batch duplicate skipped)", inserted)
	}

	// first occurrence wins for within-batch duplicates
	var discoveredAt int64
	if err := db.QueryRow(
		`SELECT discovered_at FROM relay WHERE url = $1`, "wss://relay.one.example.com",
	).Scan(&discoveredAt); err != nil {
		t.Fatalf("failed to query relay: %v", err)
	}

	if discoveredAt != now {
		t.Errorf("discovered_at = %d, want %d (first occurrence wins)", discoveredAt, now)
	}

	// re-inserting stored relays is a no-op
	inserted, err = store.RelayInsert(ctx, relays[:1])
	if err != nil {
		t.Fatalf("RelayInsert() returned error: %v", err)
	}

	if inserted != 0 {
		t.Errorf("RelayInsert() on stored relay = %d, want 0", inserted)
	}

	all, err := store.RelayAll(ctx, nil)
	if err != nil {
		t.Fatalf("RelayAll() returned error: %v", err)
	}

	if len(all) != 2 {
		t.Fatalf("RelayAll() returned %d relays, want 2", len(all))
	}

	if all[0].URL != "wss://relay.one.example.com" || all[1].URL != "wss://relay.two.example.com" {
		t.Errorf("RelayAll() order = [%s, %s], want URL ascending", all[0].URL, all[1].URL)
	}

	torOnly, err := store.RelayAll(ctx, []models.Network{models.NetworkTor})
	if err != nil {
		t.Fatalf("RelayAll(tor) returned error: %v", err)
	}

	if len(torOnly) != 0 {
		t.Errorf("RelayAll(tor) returned %d relays, want 0", len(torOnly))
	}

	urls, err := store.RelayURLSet(ctx)
	if err != nil {
		t.Fatalf("RelayURLSet() returned error: %v", err)
	}

	if len(urls) != 2 {
		t.Errorf("RelayURLSet() returned %d URLs, want 2", len(urls))
	}

	if _, ok := urls["wss://relay.two.example.com"]; !ok {
		t.Error("RelayURLSet() missing wss://relay.two.example.com")
	}
}

func TestEventProcedures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, db := setupStore(t)
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	tagged := signedEvent(t, sk, 1, 1000, "tagged", nostr.Tags{
		{"e", "abc"},
		{"p", "def"},
		{"expiration", "123"},
		{"t"},
	})
	plain := signedEvent(t, sk, 3, 1010, "plain", nil)

	inserted, err := store.EventInsert(ctx, []*nostr.Event{tagged, plain, tagged})
	if err != nil {
		t.Fatalf("EventInsert() returned error: %v", err)
	}

	if inserted != 2 {
		t.Errorf("EventInsert() = %d, want 2 (within-batch duplicate skipped)", inserted)
	}

	inserted, err = store.EventInsert(ctx, []*nostr.Event{tagged})
	if err != nil {
		t.Fatalf("EventInsert() returned error: %v", err)
	}

	if inserted != 0 {
		t.Errorf("EventInsert() on stored event = %d, want 0", inserted)
	}

	// the generated tagvalues column keeps single-letter tag values only
	var tagvaluesJSON []byte
	if err := db.QueryRow(
		`SELECT to_jsonb(tagvalues) FROM event WHERE id = $1`, tagged.ID,
	).Scan(&tagvaluesJSON); err != nil {
		t.Fatalf("failed to query tagvalues: %v", err)
	}

	var tagvalues []string
	if err := json.Unmarshal(tagvaluesJSON, &tagvalues); err != nil {
		t.Fatalf("failed to parse tagvalues: %v", err)
	}

	if len(tagvalues) != 2 || tagvalues[0] != "abc" || tagvalues[1] != "def" {
		t.Errorf("tagvalues = %v, want [abc def]", tagvalues)
	}

	relay := mustRelay(t, "wss://observer.example.com", 500)
	if _, err := store.RelayInsert(ctx, []models.Relay{relay}); err != nil {
		t.Fatalf("RelayInsert() returned error: %v", err)
	}

	pairs := []models.EventRelay{
		{EventID: tagged.ID, RelayURL: relay.URL, SeenAt: 2000},
		{EventID: plain.ID, RelayURL: relay.URL, SeenAt: 2100},
		{EventID: tagged.ID, RelayURL: relay.URL, SeenAt: 9999},
	}

	linked, err := store.EventRelayInsert(ctx, pairs)
	if err != nil {
		t.Fatalf("EventRelayInsert() returned error: %v", err)
	}

	if linked != 2 {
		t.Errorf("EventRelayInsert() = %d, want 2 (within-batch duplicate skipped)", linked)
	}

	// later observations never overwrite the stored seen_at
	linked, err = store.EventRelayInsert(ctx, []models.EventRelay{
		{EventID: tagged.ID, RelayURL: relay.URL, SeenAt: 1},
	})
	if err != nil {
		t.Fatalf("EventRelayInsert() returned error: %v", err)
	}

	if linked != 0 {
		t.Errorf("EventRelayInsert() on stored pair = %d, want 0", linked)
	}

	var seenAt int64
	if err := db.QueryRow(
		`SELECT seen_at FROM event_relay WHERE event_id = $1 AND relay_url = $2`, tagged.ID, relay.URL,
	).Scan(&seenAt); err != nil {
		t.Fatalf("failed to query event_relay: %v", err)
	}

	if seenAt != 2000 {
		t.Errorf("seen_at = %d, want 2000 (earliest observation kept)", seenAt)
	}
}

func TestEventPagePagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	events := []*nostr.Event{
		signedEvent(t, sk, 2, 1000, "a", nil),
		signedEvent(t, sk, 2, 1000, "b", nil),
		signedEvent(t, sk, 3, 2000, "c", nil),
		signedEvent(t, sk, 10002, 3000, "d", nil),
		signedEvent(t, sk, 1, 3000, "chatter", nil),
	}

	if _, err := store.EventInsert(ctx, events); err != nil {
		t.Fatalf("EventInsert() returned error: %v", err)
	}

	// the expected scan order over hint kinds: (created_at, id) ascending,
	// kind 1 excluded
	expected := []*nostr.Event{events[0], events[1], events[2], events[3]}
	sort.Slice(expected, func(i, j int) bool {
		if expected[i].CreatedAt != expected[j].CreatedAt {
			return expected[i].CreatedAt < expected[j].CreatedAt
		}

		return expected[i].ID < expected[j].ID
	})

	kinds := []int{2, 3, 10002, 10166}
	cursor := models.EventScanCursor{}

	var scanned []*nostr.Event

	for {
		page, err := store.EventPage(ctx, cursor, kinds, 2)
		if err != nil {
			t.Fatalf("EventPage() returned error: %v", err)
		}

		if len(page) == 0 {
			break
		}

		scanned = append(scanned, page...)
		last := page[len(page)-1]
		cursor = models.EventScanCursor{LastCreatedAt: int64(last.CreatedAt), LastID: last.ID}
	}

	if len(scanned) != len(expected) {
		t.Fatalf("scanned %d events, want %d", len(scanned), len(expected))
	}

	for i, event := range scanned {
		if event.ID != expected[i].ID {
			t.Errorf("scan position %d = %s, want %s", i, event.ID, expected[i].ID)
		}

		if event.Kind != expected[i].Kind || event.Content != expected[i].Content {
			t.Errorf("scan position %d round-trip mismatch: %+v", i, event)
		}
	}

	// the cursor is strictly exclusive: restarting from the last scanned
	// position yields nothing new
	page, err := store.EventPage(ctx, cursor, kinds, 10)
	if err != nil {
		t.Fatalf("EventPage() returned error: %v", err)
	}

	if len(page) != 0 {
		t.Errorf("EventPage() after final cursor returned %d events, want 0", len(page))
	}
}

func TestEventRelayInsertCascade(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	relay := mustRelay(t, "wss://cascade.example.com", 100)
	first := signedEvent(t, sk, 1, 1000, "first", nil)
	second := signedEvent(t, sk, 1, 1001, "second", nil)

	observations := []models.EventObservation{
		{Event: first, Relay: relay, SeenAt: 1500},
		{Event: second, Relay: relay, SeenAt: 1501},
	}

	counts, err := store.EventRelayInsertCascade(ctx, observations)
	if err != nil {
		t.Fatalf("EventRelayInsertCascade() returned error: %v", err)
	}

	if counts.Relays != 1 || counts.Events != 2 || counts.Junctions != 2 {
		t.Errorf("counts = %+v, want relays=1 events=2 junctions=2", counts)
	}

	// the whole batch is idempotent
	counts, err = store.EventRelayInsertCascade(ctx, observations)
	if err != nil {
		t.Fatalf("EventRelayInsertCascade() returned error: %v", err)
	}

	if counts.Relays != 0 || counts.Events != 0 || counts.Junctions != 0 {
		t.Errorf("repeated cascade counts = %+v, want all zero", counts)
	}
}

func TestEventRelayInsertCascadeAtomicity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, db := setupStore(t)
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	relay := mustRelay(t, "wss://atomic.example.com", 100)
	good := signedEvent(t, sk, 1, 1000, "good", nil)
	bad := signedEvent(t, sk, 1, 1001, "bad", nil)
	bad.PubKey = "corrupt"

	_, err := store.EventRelayInsertCascade(ctx, []models.EventObservation{
		{Event: good, Relay: relay, SeenAt: 1500},
		{Event: bad, Relay: relay, SeenAt: 1501},
	})
	if err == nil {
		t.Fatal("EventRelayInsertCascade() with a constraint violation must fail")
	}

	if KindOf(err) != KindPermanentDB {
		t.Errorf("KindOf() = %s, want %s", KindOf(err), KindPermanentDB)
	}

	// nothing from the failed batch may have landed
	var relayCount, eventCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM relay`).Scan(&relayCount); err != nil {
		t.Fatalf("failed to count relays: %v", err)
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM event`).Scan(&eventCount); err != nil {
		t.Fatalf("failed to count events: %v", err)
	}

	if relayCount != 0 || eventCount != 0 {
		t.Errorf("failed cascade left %d relays and %d events behind, want 0/0", relayCount, eventCount)
	}
}

// Concurrent cascades for the same (event, relay) pair must all succeed and
// leave exactly one junction row carrying one of the submitted timestamps.
func TestEventRelayInsertCascadeConcurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, db := setupStore(t)
	ctx := context.Background()

	sk := nostr.GeneratePrivateKey()
	relay := mustRelay(t, "wss://concurrent.example.com", 100)
	event := signedEvent(t, sk, 1, 1000, "raced", nil)

	const writers = 8

	errs := make([]error, writers)

	var wg sync.WaitGroup

	for i := range writers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, errs[i] = store.EventRelayInsertCascade(ctx, []models.EventObservation{
				{Event: event, Relay: relay, SeenAt: int64(1500 + i)},
			})
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("writer %d returned error: %v", i, err)
		}
	}

	var junctions int

	var seenAt int64
	if err := db.QueryRow(
		`SELECT COUNT(*), MIN(seen_at) FROM event_relay WHERE event_id = $1`, event.ID,
	).Scan(&junctions, &seenAt); err != nil {
		t.Fatalf("failed to query junction rows: %v", err)
	}

	if junctions != 1 {
		t.Fatalf("got %d junction rows, want 1", junctions)
	}

	if seenAt < 1500 || seenAt >= 1500+writers {
		t.Errorf("seen_at = %d, want one of the submitted values", seenAt)
	}
}

func TestMetadataProcedures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	relayA := mustRelay(t, "wss://meta-a.example.com", 100)
	relayB := mustRelay(t, "wss://meta-b.example.com", 100)

	doc, err := models.NewMetadata(models.MetadataNIP11Info, map[string]any{
		"name":        "Test Relay",
		"description": "integration fixture",
	})
	if err != nil {
		t.Fatalf("NewMetadata() returned error: %v", err)
	}

	counts, err := store.RelayMetadataInsertCascade(ctx, []models.MetadataObservation{
		{Relay: relayA, Metadata: doc, GeneratedAt: 1000},
	})
	if err != nil {
		t.Fatalf("RelayMetadataInsertCascade() returned error: %v", err)
	}

	if counts.Relays != 1 || counts.Metadata != 1 || counts.Junctions != 1 {
		t.Errorf("counts = %+v, want relays=1 metadata=1 junctions=1", counts)
	}

	// the same document observed at another relay dedups on content
	counts, err = store.RelayMetadataInsertCascade(ctx, []models.MetadataObservation{
		{Relay: relayB, Metadata: doc, GeneratedAt: 1000},
	})
	if err != nil {
		t.Fatalf("RelayMetadataInsertCascade() returned error: %v", err)
	}

	if counts.Relays != 1 || counts.Metadata != 0 || counts.Junctions != 1 {
		t.Errorf("counts = %+v, want relays=1 metadata=0 junctions=1", counts)
	}

	// within-batch duplicate links collapse to one row
	inserted, err := store.MetadataInsert(ctx, []models.Metadata{doc, doc})
	if err != nil {
		t.Fatalf("MetadataInsert() returned error: %v", err)
	}

	if inserted != 0 {
		t.Errorf("MetadataInsert() on stored document = %d, want 0", inserted)
	}

	links := []models.RelayMetadata{
		{RelayURL: relayA.URL, MetadataID: doc.ID, MetadataType: doc.Type, GeneratedAt: 2000},
		{RelayURL: relayA.URL, MetadataID: doc.ID, MetadataType: doc.Type, GeneratedAt: 2000},
	}

	linked, err := store.RelayMetadataInsert(ctx, links)
	if err != nil {
		t.Fatalf("RelayMetadataInsert() returned error: %v", err)
	}

	if linked != 1 {
		t.Errorf("RelayMetadataInsert() = %d, want 1 (within-batch duplicate skipped)", linked)
	}
}

func TestServiceStateProcedures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	cursorA, err := models.SyncCursor{Since: 100}.Marshal()
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}

	cursorB, err := models.SyncCursor{Since: 200}.Marshal()
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}

	cursorA2, err := models.SyncCursor{Since: 300}.Marshal()
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}

	states := []models.ServiceState{
		{ServiceName: models.ServiceSynchronizer, StateType: models.StateTypeCursor, StateKey: "wss://a.example.com", Payload: cursorA, UpdatedAt: 100},
		{ServiceName: models.ServiceSynchronizer, StateType: models.StateTypeCursor, StateKey: "wss://b.example.com", Payload: cursorB, UpdatedAt: 200},
		{ServiceName: models.ServiceSynchronizer, StateType: models.StateTypeCursor, StateKey: "wss://a.example.com", Payload: cursorA2, UpdatedAt: 300},
	}

	affected, err := store.ServiceStateUpsert(ctx, states)
	if err != nil {
		t.Fatalf("ServiceStateUpsert() returned error: %v", err)
	}

	if affected != 2 {
		t.Errorf("ServiceStateUpsert() = %d, want 2 (within-batch duplicate collapsed)", affected)
	}

	// the duplicate with the highest updated_at wins within the batch
	got, err := store.ServiceStateGet(ctx, models.ServiceSynchronizer, models.StateTypeCursor, "wss://a.example.com")
	if err != nil {
		t.Fatalf("ServiceStateGet() returned error: %v", err)
	}

	if got == nil {
		t.Fatal("ServiceStateGet() returned nil for a stored key")
	}

	cursor, err := models.ParseSyncCursor(got.Payload)
	if err != nil {
		t.Fatalf("ParseSyncCursor() returned error: %v", err)
	}

	if cursor.Since != 300 || got.UpdatedAt != 300 {
		t.Errorf("stored cursor since=%d updated_at=%d, want 300/300 (last wins)", cursor.Since, got.UpdatedAt)
	}

	// a later upsert replaces the stored payload
	cursorB2, err := models.SyncCursor{Since: 450}.Marshal()
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}

	affected, err = store.ServiceStateUpsert(ctx, []models.ServiceState{
		{ServiceName: models.ServiceSynchronizer, StateType: models.StateTypeCursor, StateKey: "wss://b.example.com", Payload: cursorB2, UpdatedAt: 450},
	})
	if err != nil {
		t.Fatalf("ServiceStateUpsert() returned error: %v", err)
	}

	if affected != 1 {
		t.Errorf("ServiceStateUpsert() on conflict = %d, want 1", affected)
	}

	list, err := store.ServiceStateList(ctx, models.ServiceSynchronizer, models.StateTypeCursor)
	if err != nil {
		t.Fatalf("ServiceStateList() returned error: %v", err)
	}

	if len(list) != 2 {
		t.Fatalf("ServiceStateList() returned %d rows, want 2", len(list))
	}

	if list[0].StateKey != "wss://a.example.com" || list[1].StateKey != "wss://b.example.com" {
		t.Errorf("ServiceStateList() order = [%s, %s], want updated_at ascending",
			list[0].StateKey, list[1].StateKey)
	}

	// missing rows come back as nil without error
	missing, err := store.ServiceStateGet(ctx, models.ServiceSynchronizer, models.StateTypeCursor, "wss://nowhere.example.com")
	if err != nil {
		t.Fatalf("ServiceStateGet() returned error: %v", err)
	}

	if missing != nil {
		t.Errorf("ServiceStateGet() for missing key = %+v, want nil", missing)
	}

	deleted, err := store.ServiceStateDelete(ctx, []models.StateRef{
		{ServiceName: models.ServiceSynchronizer, StateType: models.StateTypeCursor, StateKey: "wss://a.example.com"},
		{ServiceName: models.ServiceSynchronizer, StateType: models.StateTypeCursor, StateKey: "wss://b.example.com"},
		{ServiceName: models.ServiceSynchronizer, StateType: models.StateTypeCursor, StateKey: "wss://nowhere.example.com"},
	})
	if err != nil {
		t.Fatalf("ServiceStateDelete() returned error: %v", err)
	}

	if deleted != 2 {
		t.Errorf("ServiceStateDelete() = %d, want 2", deleted)
	}

	gone, err := store.ServiceStateGet(ctx, models.ServiceSynchronizer, models.StateTypeCursor, "wss://a.example.com")
	if err != nil {
		t.Fatalf("ServiceStateGet() returned error: %v", err)
	}

	if gone != nil {
		t.Error("ServiceStateGet() after delete must return nil")
	}
}

func TestCleanupProcedures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, db := setupStore(t)
	ctx := context.Background()

	now := time.Now().Unix()

	// events orphaned by deleting their only observing relay
	sk := nostr.GeneratePrivateKey()
	eventRelay := mustRelay(t, "wss://goner.example.com", 100)

	_, err := store.EventRelayInsertCascade(ctx, []models.EventObservation{
		{Event: signedEvent(t, sk, 1, 1000, "one", nil), Relay: eventRelay, SeenAt: 1500},
		{Event: signedEvent(t, sk, 1, 1001, "two", nil), Relay: eventRelay, SeenAt: 1501},
	})
	if err != nil {
		t.Fatalf("EventRelayInsertCascade() returned error: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM relay WHERE url = $1`, eventRelay.URL); err != nil {
		t.Fatalf("failed to delete relay: %v", err)
	}

	deleted, err := store.OrphanEventDelete(ctx)
	if err != nil {
		t.Fatalf("OrphanEventDelete() returned error: %v", err)
	}

	if deleted != 2 {
		t.Errorf("OrphanEventDelete() = %d, want 2", deleted)
	}

	// retention drops old links in batches but keeps fresh ones
	metaRelay := mustRelay(t, "wss://aging.example.com", 100)

	doc, err := models.NewMetadata(models.MetadataNIP66RTT, map[string]any{
		"rtt_open": 120, "rtt_read": 200, "rtt_write": 310,
	})
	if err != nil {
		t.Fatalf("NewMetadata() returned error: %v", err)
	}

	_, err = store.RelayMetadataInsertCascade(ctx, []models.MetadataObservation{
		{Relay: metaRelay, Metadata: doc, GeneratedAt: now - 7200},
		{Relay: metaRelay, Metadata: doc, GeneratedAt: now - 7100},
		{Relay: metaRelay, Metadata: doc, GeneratedAt: now},
	})
	if err != nil {
		t.Fatalf("RelayMetadataInsertCascade() returned error: %v", err)
	}

	expired, err := store.RelayMetadataDeleteExpired(ctx, time.Hour, 1)
	if err != nil {
		t.Fatalf("RelayMetadataDeleteExpired() returned error: %v", err)
	}

	if expired != 2 {
		t.Errorf("RelayMetadataDeleteExpired() = %d, want 2", expired)
	}

	// the document is still referenced by the fresh link
	orphaned, err := store.OrphanMetadataDelete(ctx, 1)
	if err != nil {
		t.Fatalf("OrphanMetadataDelete() returned error: %v", err)
	}

	if orphaned != 0 {
		t.Errorf("OrphanMetadataDelete() with live reference = %d, want 0", orphaned)
	}

	if _, err := db.Exec(`DELETE FROM relay_metadata WHERE relay_url = $1`, metaRelay.URL); err != nil {
		t.Fatalf("failed to delete relay_metadata: %v", err)
	}

	orphaned, err = store.OrphanMetadataDelete(ctx, 1)
	if err != nil {
		t.Fatalf("OrphanMetadataDelete() returned error: %v", err)
	}

	if orphaned != 1 {
		t.Errorf("OrphanMetadataDelete() = %d, want 1", orphaned)
	}
}

func TestSyncTargets(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	now := time.Now().Unix()

	fresh := mustRelay(t, "wss://fresh.example.com", 100)
	stale := mustRelay(t, "wss://stale.example.com", 100)
	deaf := mustRelay(t, "wss://deaf.example.com", 100)
	unseen := mustRelay(t, "wss://unseen.example.com", 100)

	readable, err := models.NewMetadata(models.MetadataNIP66RTT, map[string]any{
		"rtt_open": 120, "rtt_read": 200, "rtt_write": 310,
	})
	if err != nil {
		t.Fatalf("NewMetadata() returned error: %v", err)
	}

	unreadable, err := models.NewMetadata(models.MetadataNIP66RTT, map[string]any{
		"rtt_open": 80, "rtt_read": nil,
	})
	if err != nil {
		t.Fatalf("NewMetadata() returned error: %v", err)
	}

	_, err = store.RelayMetadataInsertCascade(ctx, []models.MetadataObservation{
		{Relay: fresh, Metadata: readable, GeneratedAt: now},
		{Relay: stale, Metadata: readable, GeneratedAt: now - 7200},
		{Relay: deaf, Metadata: unreadable, GeneratedAt: now},
	})
	if err != nil {
		t.Fatalf("RelayMetadataInsertCascade() returned error: %v", err)
	}

	if _, err := store.RelayInsert(ctx, []models.Relay{unseen}); err != nil {
		t.Fatalf("RelayInsert() returned error: %v", err)
	}

	targets, err := store.SyncTargets(ctx, time.Hour, nil)
	if err != nil {
		t.Fatalf("SyncTargets() returned error: %v", err)
	}

	if len(targets) != 1 || targets[0].URL != fresh.URL {
		t.Errorf("SyncTargets() = %+v, want only %s", targets, fresh.URL)
	}

	// a network filter that matches nothing yields the empty fallback signal
	torTargets, err := store.SyncTargets(ctx, time.Hour, []models.Network{models.NetworkTor})
	if err != nil {
		t.Fatalf("SyncTargets(tor) returned error: %v", err)
	}

	if len(torTargets) != 0 {
		t.Errorf("SyncTargets(tor) = %+v, want empty", torTargets)
	}
}
