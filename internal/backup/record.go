package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// MetadataFilename is the manifest written into every record directory.
	MetadataFilename = "metadata.json"
	// ServicesFilename and ImagesFilename hold the captured inventories, one item per line.
	ServicesFilename = "services.txt"
	ImagesFilename   = "images.txt"
	// FilesDirname holds the captured configuration file copies.
	FilesDirname = "files"
	// LatestFilename is the pointer to the newest record id.
	LatestFilename = "latest"

	// idFormat is UTC with fixed-width nanoseconds so ids sort lexicographically by creation time.
	idFormat = "20060102T150405.000000000Z"
)

// Record is one immutable backup taken before a deployment attempt.
type Record struct {
	ID          string         `json:"id" yaml:"id"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	Host        string         `json:"host,omitempty" yaml:"host,omitempty"`
	ToolVersion string         `json:"tool_version,omitempty" yaml:"tool_version,omitempty"`
	Files       []CapturedFile `json:"files" yaml:"files"`
	Services    Inventory      `json:"services" yaml:"services"`
	Images      Inventory      `json:"images" yaml:"images"`
	Archive     *ArchiveInfo   `json:"archive,omitempty" yaml:"archive,omitempty"`
	// Absent lists configured files that did not exist at capture time.
	// Restore removes them so the live set matches the captured one.
	Absent []string `json:"absent,omitempty" yaml:"absent,omitempty"`
	// Warnings lists best-effort capture steps that did not succeed.
	Warnings []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`

	dir string
}

// Dir returns the record's directory on disk.
func (r *Record) Dir() string { return r.dir }

// CapturedFile is a copy of one live configuration file.
type CapturedFile struct {
	// Name is the file name under files/ inside the record.
	Name string `json:"name" yaml:"name"`
	// Source is the absolute live path the copy was taken from and is restored to.
	Source   string      `json:"source" yaml:"source"`
	Mode     os.FileMode `json:"mode" yaml:"mode"`
	Size     int64       `json:"size_bytes" yaml:"size_bytes"`
	Checksum string      `json:"blake3" yaml:"blake3"`
}

// Inventory is the result of a best-effort runtime query. Available=false
// means the query could not be run or failed; it is never conflated with an
// empty but successful listing.
type Inventory struct {
	Available bool     `json:"available" yaml:"available"`
	Items     []string `json:"items" yaml:"items"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// ArchiveInfo describes the compressed snapshot of the data directory.
type ArchiveInfo struct {
	Name     string `json:"name" yaml:"name"`
	Source   string `json:"source" yaml:"source"`
	Codec    Codec  `json:"codec" yaml:"codec"`
	Size     int64  `json:"size_bytes" yaml:"size_bytes"`
	Entries  int    `json:"entries" yaml:"entries"`
	Checksum string `json:"blake3" yaml:"blake3"`
}

// Load reads the manifest from a record directory.
func (r *Record) Load(dirPath string) error {
	filePath := filepath.Join(dirPath, MetadataFilename)
	jsonFile, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open metadata file %q: %w", filePath, err)
	}
	defer jsonFile.Close()

	if err := json.NewDecoder(jsonFile).Decode(r); err != nil {
		return fmt.Errorf("decode metadata JSON %q: %w", filePath, err)
	}
	r.dir = dirPath
	return nil
}

// Write stores the manifest into dirPath.
func (r *Record) Write(dirPath string) error {
	filePath := filepath.Join(dirPath, MetadataFilename)
	jsonFile, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create metadata file %q: %w", filePath, err)
	}
	defer jsonFile.Close()

	encoder := json.NewEncoder(jsonFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return fmt.Errorf("encode metadata JSON: %w", err)
	}
	return jsonFile.Sync()
}
