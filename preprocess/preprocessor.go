package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/getlantern/golog"

	httpse "github.com/EFForg/https-everywhere-lib-core"
)

// Combines a directory of per-site ruleset JSON files into one corpus file
// suitable for bundling as the default rulesets and for
// AddAllFromJSONString. Files that fail validation are skipped with a log
// line rather than killing the run, since upstream rule trees routinely
// carry a few broken entries.
func main() {
	log := golog.LoggerFor("httpse-preprocessor")

	dir := flag.String("dir", "./rules", "directory of per-site ruleset JSON files")
	out := flag.String("out", "default.rulesets.json", "combined corpus output file")
	flag.Parse()

	entries, err := os.ReadDir(*dir)
	if err != nil {
		log.Fatal(err)
	}

	vetter := httpse.New(httpse.NewMemStorage())
	var combined []json.RawMessage
	var skipped int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(*dir, entry.Name()))
		if err != nil {
			log.Errorf("Reading %v: %v", entry.Name(), err)
			skipped++
			continue
		}
		records, err := vetFile(vetter, b)
		if err != nil {
			log.Debugf("Skipping %v: %v", entry.Name(), err)
			skipped++
			continue
		}
		combined = append(combined, records...)
	}

	log.Debugf("Vetted %v rulesets with %v files skipped", len(combined), skipped)

	encoded, err := json.Marshal(combined)
	if err != nil {
		log.Fatalf("encode error: %v", err)
	}
	if err := os.WriteFile(*out, encoded, 0644); err != nil {
		log.Fatal(err)
	}
}

// vetFile runs one file's records (a single ruleset object or an array)
// through full ingestion and returns them raw for recombination.
func vetFile(vetter *httpse.Rewriter, b []byte) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(b, &records); err != nil {
		// A single bare record.
		records = []json.RawMessage{json.RawMessage(b)}
	}

	arr, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	vetter.Clear()
	if err := vetter.AddAllFromJSONString(string(arr)); err != nil {
		return nil, err
	}
	return records, nil
}
