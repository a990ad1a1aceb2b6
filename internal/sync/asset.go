package sync

import "time"

// AssetRecord is one package artifact from the source listing.  Its
// identity is the registry path, unique within one listing.
type AssetRecord struct {
	Path         string
	DownloadURL  string
	LastModified time.Time
	Size         int64
	SHA1         string
	SHA256       string
}

// FilterSince returns the records changed since the cursor, preserving
// input order.  Records with a last-modified timestamp strictly after
// the cursor are included.  Records at exactly the cursor timestamp are
// included only when their identity is not in the cursor's seen set,
// which guards against assets written at the same instant the previous
// run cut over.  Records with no known timestamp (zero LastModified,
// from an unparsable listing value) are always included: an asset must
// not disappear from the sync because its timestamp is broken.
//
// A nil cursor (first run) selects everything.  The function is pure.
func FilterSince(records []AssetRecord, cursor *Cursor) []AssetRecord {
	if cursor == nil {
		return records
	}

	seen := make(map[string]bool, len(cursor.SeenAtCursor))
	for _, path := range cursor.SeenAtCursor {
		seen[path] = true
	}

	var selected []AssetRecord
	for _, record := range records {
		switch {
		case record.LastModified.IsZero():
			selected = append(selected, record)
		case record.LastModified.After(cursor.LastSync):
			selected = append(selected, record)
		case record.LastModified.Equal(cursor.LastSync) && !seen[record.Path]:
			selected = append(selected, record)
		}
	}
	return selected
}

// Partition splits records into ordered batches of at most size
// records each, preserving relative order.  Batches never overlap and
// together cover the input exactly.
func Partition(records []AssetRecord, size int) [][]AssetRecord {
	if size < 1 || len(records) == 0 {
		return nil
	}

	batches := make([][]AssetRecord, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}
