package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WireVersion is the version of the metadata wire layout Encode produces
// and Decode understands. It is recorded in the METADATA_V2_SCHEMA section
// so a reader can reject an image written with an incompatible layout
// before attempting to decode the (much larger) METADATA_V2 payload.
const WireVersion = 1

// ErrSchemaMismatch is returned by CheckSchema when an image's schema
// section declares a wire version this reader does not understand.
var ErrSchemaMismatch = errors.New("metadata: incompatible metadata schema")

// schemaDoc is the decoded form of a METADATA_V2_SCHEMA payload.
type schemaDoc struct {
	WireVersion int      `json:"wire_version"`
	Tables      []string `json:"tables"`
}

// schemaTables lists the tables Encode writes, in wire order.
var schemaTables = []string{
	"options", "block_size", "total_fs_size", "rank_boundary",
	"inodes", "dir_entries", "directories",
	"chunks", "chunk_table", "shared_files_table",
	"symlink_table", "symlinks", "names",
	"modes", "uids", "gids",
	"category_names", "block_categories",
	"dwarfs_version", "create_timestamp", "features",
	"device_ids", "category_metadata_json", "block_category_metadata",
	"reg_file_size_cache",
}

// SchemaJSON renders the METADATA_V2_SCHEMA section payload: a small JSON
// document describing the wire layout the accompanying METADATA_V2 section
// was encoded with.
func SchemaJSON() []byte {
	doc := schemaDoc{WireVersion: WireVersion, Tables: schemaTables}
	out, err := json.Marshal(doc)
	if err != nil {
		// schemaDoc contains nothing json.Marshal can fail on
		panic(err)
	}
	return out
}

// CheckSchema parses a METADATA_V2_SCHEMA payload and verifies this reader
// can decode the metadata it describes.
func CheckSchema(payload []byte) error {
	var doc schemaDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if doc.WireVersion != WireVersion {
		return fmt.Errorf("%w: wire version %d (want %d)", ErrSchemaMismatch, doc.WireVersion, WireVersion)
	}
	return nil
}
