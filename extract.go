package burstwatch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"
)

// DefaultBucket is the offline bucket size. It matches the default runtime
// window so one training row summarizes as much time as one runtime snapshot.
const DefaultBucket = 60 * time.Second

// ShuffleSeed fixes the dataset row order between runs.
const ShuffleSeed = 42

// Labels of dataset rows by log provenance.
const (
	LabelBenign    = 0
	LabelMalicious = 1
)

// LogRecord is one row of a historical event log.
type LogRecord struct {
	Kind      EventKind
	Path      string
	Timestamp time.Time
}

// DatasetRow is one labeled training example.
type DatasetRow struct {
	BucketStart time.Time
	Features    FeatureVector
	Label       int
}

// Dataset is an ordered set of training rows.
type Dataset []DatasetRow

// DatasetHeader is the CSV header written by Dataset.WriteCSV.
func DatasetHeader() []string {
	h := []string{"bucket_start"}
	h = append(h, FeatureColumns[:]...)
	return append(h, "label")
}

// --------------------------------------------------------------------------
// Historical log I/O
// --------------------------------------------------------------------------

// ReadLog parses a headerless CSV log of (event_kind, path, unix_seconds)
// rows. Rows with a kind outside the counted set are skipped.
func ReadLog(r io.Reader) ([]LogRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3

	var out []LogRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error reading log: %w", err)
		}
		kind, ok := ParseEventKind(row[0])
		if !ok {
			continue
		}
		ts, err := parseUnixSeconds(row[2])
		if err != nil {
			line, _ := cr.FieldPos(2)
			return nil, fmt.Errorf("line %d: invalid timestamp %q: %w", line, row[2], err)
		}
		out = append(out, LogRecord{Kind: kind, Path: row[1], Timestamp: ts})
	}
}

// ReadLogFile reads a log from path. A missing file reads as an empty log.
func ReadLogFile(path string) ([]LogRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error opening log: %w", err)
	}
	defer f.Close()
	return ReadLog(f)
}

// LogWriter appends (event_kind, path, unix_seconds) rows.
type LogWriter struct {
	w *csv.Writer
}

// NewLogWriter wraps w.
func NewLogWriter(w io.Writer) *LogWriter {
	return &LogWriter{w: csv.NewWriter(w)}
}

// Write appends one record and flushes it.
func (lw *LogWriter) Write(rec LogRecord) error {
	ts := float64(rec.Timestamp.UnixNano()) / float64(time.Second)
	if err := lw.w.Write([]string{
		rec.Kind.String(),
		rec.Path,
		strconv.FormatFloat(ts, 'f', 6, 64),
	}); err != nil {
		return err
	}
	lw.w.Flush()
	return lw.w.Error()
}

func parseUnixSeconds(s string) (time.Time, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, errors.New("not a finite number")
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}

// --------------------------------------------------------------------------
// Bucketing
// --------------------------------------------------------------------------

// ExtractFeatures counts records per fixed, non-overlapping bucket. Buckets are
// aligned to multiples of bucket since the Unix epoch and returned in time
// order. Every bucket from the first record's to the last record's produces a
// row, idle buckets as all-zero rows; every row carries all four counts. An
// empty log yields an empty result.
//
// Runtime snapshots slide with every event while these buckets are fixed, so
// a burst straddling a bucket boundary is split across two rows here but seen
// whole by the runtime window.
func ExtractFeatures(records []LogRecord, bucket time.Duration) []DatasetRow {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	counts := make(map[int64]*[numKinds]int)
	for _, rec := range records {
		if !rec.Kind.Valid() {
			continue
		}
		start := bucketStart(rec.Timestamp, bucket)
		c, ok := counts[start]
		if !ok {
			c = new([numKinds]int)
			counts[start] = c
		}
		c[rec.Kind]++
	}

	if len(counts) == 0 {
		return []DatasetRow{}
	}
	first, last := int64(math.MaxInt64), int64(math.MinInt64)
	for s := range counts {
		first = min(first, s)
		last = max(last, s)
	}

	b := int64(bucket)
	rows := make([]DatasetRow, 0, (last-first)/b+1)
	for s := first; s <= last; s += b {
		var f FeatureVector
		if c, ok := counts[s]; ok {
			f = featureVectorFromCounts(*c)
		}
		rows = append(rows, DatasetRow{
			BucketStart: time.Unix(0, s).UTC(),
			Features:    f,
		})
	}
	return rows
}

// bucketStart floors t to a multiple of bucket, in Unix nanoseconds.
func bucketStart(t time.Time, bucket time.Duration) int64 {
	ns := t.UnixNano()
	b := int64(bucket)
	start := ns - ns%b
	if ns < 0 && ns%b != 0 {
		start -= b
	}
	return start
}

// BuildDataset extracts both logs, labels benign rows 0 and malicious rows 1,
// concatenates them and shuffles with ShuffleSeed.
func BuildDataset(benign, malicious []LogRecord, bucket time.Duration) Dataset {
	var ds Dataset
	for _, row := range ExtractFeatures(benign, bucket) {
		row.Label = LabelBenign
		ds = append(ds, row)
	}
	for _, row := range ExtractFeatures(malicious, bucket) {
		row.Label = LabelMalicious
		ds = append(ds, row)
	}
	rng := rand.New(rand.NewSource(ShuffleSeed))
	rng.Shuffle(len(ds), func(i, j int) { ds[i], ds[j] = ds[j], ds[i] })
	return ds
}

// BuildDatasetFromFiles is BuildDataset over two log files. Missing files
// count as empty logs.
func BuildDatasetFromFiles(benignPath, maliciousPath string, bucket time.Duration) (Dataset, error) {
	benign, err := ReadLogFile(benignPath)
	if err != nil {
		return nil, fmt.Errorf("benign log: %w", err)
	}
	malicious, err := ReadLogFile(maliciousPath)
	if err != nil {
		return nil, fmt.Errorf("malicious log: %w", err)
	}
	return BuildDataset(benign, malicious, bucket), nil
}

// Counts returns the number of benign and malicious rows.
func (ds Dataset) Counts() (benign, malicious int) {
	for _, r := range ds {
		if r.Label == LabelMalicious {
			malicious++
		} else {
			benign++
		}
	}
	return benign, malicious
}

// WriteCSV writes the dataset with DatasetHeader. An empty dataset still gets
// the header.
func (ds Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(DatasetHeader()); err != nil {
		return err
	}
	for _, r := range ds {
		rec := []string{strconv.FormatInt(r.BucketStart.Unix(), 10)}
		for _, v := range r.Features.Values() {
			rec = append(rec, strconv.FormatInt(int64(v), 10))
		}
		rec = append(rec, strconv.Itoa(r.Label))
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadDatasetCSV parses a file written by WriteCSV. The header must match
// DatasetHeader exactly.
func ReadDatasetCSV(r io.Reader) (Dataset, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading dataset header: %w", err)
	}
	want := DatasetHeader()
	if len(header) != len(want) {
		return nil, fmt.Errorf("dataset has %d columns, want %d", len(header), len(want))
	}
	for i := range want {
		if header[i] != want[i] {
			return nil, fmt.Errorf("dataset column %d is %q, want %q", i, header[i], want[i])
		}
	}

	var ds Dataset
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return ds, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error reading dataset: %w", err)
		}
		var n [numKinds + 2]int64
		for i := range n {
			n[i], err = strconv.ParseInt(rec[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("dataset column %s: %w", want[i], err)
			}
		}
		ds = append(ds, DatasetRow{
			BucketStart: time.Unix(n[0], 0).UTC(),
			Features: FeatureVector{
				Created:  int(n[1]),
				Modified: int(n[2]),
				Deleted:  int(n[3]),
				Moved:    int(n[4]),
			},
			Label: int(n[5]),
		})
	}
}
