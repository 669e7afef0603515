package part

import (
	"fmt"
	"time"

	"github.com/danthegoodman1/tracelake/interval"
)

const GlobalInstanceID = "global"

type (
	// Block is an immutable raw telemetry buffer written by ingestion.
	// The engine references blocks, it never owns or mutates them.
	Block struct {
		BlockID      string
		StreamID     string
		ProcessID    string
		BeginTime    time.Time
		EndTime      time.Time
		BeginTicks   int64
		EndTicks     int64
		ObjectOffset int64
		NbObjects    int64
		InsertTime   time.Time
		// PayloadRef is the datastore key of the (already decompressed) payload
		PayloadRef string
	}

	// Partition is a committed, immutable materialized artifact for a view
	// instance. Superseded partitions are retired, never edited.
	Partition struct {
		ViewName      string
		InstanceID    string
		SchemaVersion uint32
		// Generation 0 is built from raw blocks, generation k+1 from
		// merging generation-k partitions
		Generation      int32
		BeginInsertTime time.Time
		EndInsertTime   time.Time
		MinEventTime    time.Time
		MaxEventTime    time.Time
		FilePath        string
		FileSize        int64
		RowCount        int64
		// SourceObjects counts the telemetry objects in the block set the
		// partition was built over (decodable or not), used to detect
		// stale partitions when late blocks land
		SourceObjects int64
		UpdatedAt     time.Time
		Active        bool
	}

	// Fingerprint is the bucket-aligned identity of a materialization job.
	// It keys both the process-local single-flight map and the idempotent
	// index upsert.
	Fingerprint struct {
		ViewName      string
		InstanceID    string
		SchemaVersion uint32
		Generation    int32
		Range         interval.TimeRange
	}
)

func (p Partition) ViewKey() string {
	return p.ViewName + "/" + p.InstanceID
}

func (p Partition) InsertRange() interval.TimeRange {
	return interval.TimeRange{Begin: p.BeginInsertTime, End: p.EndInsertTime}
}

// Empty partitions hold an index row but no file, they exist so that
// coverage over silent ranges stays gap-free
func (p Partition) Empty() bool {
	return p.FilePath == ""
}

func (p Partition) Fingerprint() Fingerprint {
	return Fingerprint{
		ViewName:      p.ViewName,
		InstanceID:    p.InstanceID,
		SchemaVersion: p.SchemaVersion,
		Generation:    p.Generation,
		Range:         p.InsertRange(),
	}
}

func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s/%s/v%d/g%d/%d/%d",
		f.ViewName, f.InstanceID, f.SchemaVersion, f.Generation,
		f.Range.Begin.UnixNano(), f.Range.End.UnixNano())
}

func (f Fingerprint) String() string {
	return f.Key()
}
