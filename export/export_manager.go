package export

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"devmate/config"
	"devmate/storage"
)

// Archive is the on-disk export format: the capture log plus every named
// collection, versioned for forward compatibility.
type Archive struct {
	Version     string                              `json:"version"`
	ExportedAt  time.Time                           `json:"exportedAt"`
	Requests    []storage.CapturedRequest           `json:"requests"`
	Collections map[string][]storage.CollectionItem `json:"collections,omitempty"`
}

const archiveVersion = "1.0"

type ExportManager struct {
	config   *config.Config
	database *storage.Database
}

func NewExportManager(cfg *config.Config, db *storage.Database) *ExportManager {
	return &ExportManager{
		config:   cfg,
		database: db,
	}
}

// ExportAll writes the capture log and all collections to outputPath.
func (e *ExportManager) ExportAll(outputPath string) error {
	requests, err := e.database.ListCapturedRequests()
	if err != nil {
		return fmt.Errorf("failed to list captured requests: %w", err)
	}

	names, err := e.database.CollectionNames()
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	collections := make(map[string][]storage.CollectionItem)
	for _, name := range names {
		items, err := e.database.GetCollection(name)
		if err != nil {
			return fmt.Errorf("failed to read collection %s: %w", name, err)
		}
		collections[name] = items
	}

	archive := Archive{
		Version:     archiveVersion,
		ExportedAt:  time.Now().UTC(),
		Requests:    requests,
		Collections: collections,
	}

	return e.writeArchive(archive, outputPath)
}

// Import loads an archive into the store. Strategy "replace" clears the
// capture log and any collection present in the archive first; anything
// else appends.
func (e *ExportManager) Import(inputPath, mergeStrategy string) error {
	archive, err := e.readArchive(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	if err := e.validateArchive(archive); err != nil {
		return fmt.Errorf("invalid archive: %w", err)
	}

	if mergeStrategy == "replace" {
		if err := e.database.ClearCapturedRequests(); err != nil {
			return fmt.Errorf("failed to clear capture log: %w", err)
		}
		for name := range archive.Collections {
			if err := e.database.ClearCollection(name); err != nil {
				return fmt.Errorf("failed to clear collection %s: %w", name, err)
			}
		}
	}

	// The archive lists newest first; append oldest first so the stored
	// order matches the original capture order.
	for i := len(archive.Requests) - 1; i >= 0; i-- {
		rec := archive.Requests[i]
		if err := e.database.AppendCapturedRequest(&rec); err != nil {
			return fmt.Errorf("failed to import request %s: %w", rec.ID, err)
		}
	}

	for name, items := range archive.Collections {
		for _, item := range items {
			if err := e.database.PutCollectionItem(name, item.Key, item.Value); err != nil {
				return fmt.Errorf("failed to import %s/%s: %w", name, item.Key, err)
			}
		}
	}

	return nil
}

func (e *ExportManager) writeArchive(archive Archive, outputPath string) error {
	var jsonData []byte
	var err error

	if e.config.Export.PrettyPrint {
		jsonData, err = json.MarshalIndent(archive, "", "  ")
	} else {
		jsonData, err = json.Marshal(archive)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	var writer io.Writer = file
	if e.config.Export.Compress && strings.HasSuffix(outputPath, ".gz") {
		gzWriter := gzip.NewWriter(file)
		defer gzWriter.Close()
		writer = gzWriter
	}

	if _, err := writer.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}

	return nil
}

func (e *ExportManager) readArchive(inputPath string) (*Archive, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(inputPath, ".gz") {
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	var archive Archive
	if err := json.NewDecoder(reader).Decode(&archive); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}

	return &archive, nil
}

func (e *ExportManager) validateArchive(archive *Archive) error {
	if archive.Version == "" {
		return fmt.Errorf("missing version field")
	}

	for i, rec := range archive.Requests {
		if rec.ID == "" {
			return fmt.Errorf("missing id in request %d", i)
		}
		if rec.URL == "" {
			return fmt.Errorf("missing url in request %d", i)
		}
	}

	for name, items := range archive.Collections {
		for i, item := range items {
			if item.Key == "" {
				return fmt.Errorf("missing key in collection %s entry %d", name, i)
			}
		}
	}

	return nil
}
