package seeder

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// LoadSeedFile reads a UTF-8 seed list: one URL per line, blank lines and
// lines starting with # ignored. Unparseable URLs are skipped and counted;
// duplicates collapse onto their first occurrence after normalization.
func LoadSeedFile(path string, discoveredAt int64) ([]models.Relay, int, error) {
	file, err := os.Open(path) //nolint:gosec // path comes from the operator's config
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open seed file %s: %w", path, err)
	}

	defer func() { _ = file.Close() }()

	var (
		relays  []models.Relay
		skipped int
	)

	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		relay, err := models.NewRelay(line, discoveredAt)
		if err != nil {
			skipped++

			continue
		}

		if _, dup := seen[relay.URL]; dup {
			continue
		}

		seen[relay.URL] = struct{}{}

		relays = append(relays, relay)
	}

	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	return relays, skipped, nil
}
