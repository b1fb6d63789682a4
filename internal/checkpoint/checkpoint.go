// Package checkpoint serializes the full chain state (RNG, configuration,
// bin accumulators and move counters) into a versioned snapshot blob, and
// validates a snapshot against the run parameters on resume. The on-disk form
// is a plain JSON header line followed by a gzip-compressed JSON payload with
// a SHA-256 checksum; files are written to a temp path and renamed so a
// failed write never leaves a partial checkpoint behind.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/naezzell/advmeaPMRQMC/internal/chain"
	"github.com/naezzell/advmeaPMRQMC/internal/measure"
	"github.com/naezzell/advmeaPMRQMC/internal/update"
)

// ErrCorruptCheckpoint is returned when a snapshot fails structural
// validation or does not match the current run's parameters.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// FormatVersion is the current snapshot format.
const FormatVersion = 1

// MaxDecompressedSize bounds the decompressed payload (64MB).
const MaxDecompressedSize = 64 * 1024 * 1024

// Header is the plain-text first line of a checkpoint file.
type Header struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
	RunID     string    `json:"run_id"`
}

// Fingerprint pins the snapshot to the configuration bundle and Hamiltonian
// that produced it. Any mismatch on resume is a CorruptCheckpoint failure.
type Fingerprint struct {
	Beta           float64 `json:"beta"`
	Tau            float64 `json:"tau"`
	Qmax           int     `json:"qmax"`
	Bins           int     `json:"bins"`
	WeightPolicy   string  `json:"weight_policy"`
	HamiltonianSHA string  `json:"hamiltonian_sha"`
}

// Payload is the complete resumable state of a chain.
type Payload struct {
	RunID        string           `json:"run_id"`
	Fingerprint  Fingerprint      `json:"fingerprint"`
	RNGState     []byte           `json:"rng_state"`
	Chain        chain.Snapshot   `json:"chain"`
	Bins         measure.Snapshot `json:"bins"`
	Counters     update.Counters  `json:"counters"`
	StepsDone    int64            `json:"steps_done"`
	Equilibrated bool             `json:"equilibrated"`
}

// Validate compares the payload's fingerprint against the current run's.
func (p *Payload) Validate(fp Fingerprint) error {
	if p.Fingerprint != fp {
		return fmt.Errorf("%w: snapshot parameters %+v do not match run parameters %+v",
			ErrCorruptCheckpoint, p.Fingerprint, fp)
	}
	return nil
}

// Write serializes the payload to path using write-then-rename.
func Write(path string, p *Payload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint payload: %w", err)
	}

	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	if _, err := gzw.Write(payload); err != nil {
		return fmt.Errorf("compressing checkpoint payload: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	hash := sha256.Sum256(compressed.Bytes())
	header := Header{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		Checksum:  "sha256:" + hex.EncodeToString(hash[:]),
		RunID:     p.RunID,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(append(headerBytes, '\n')); err != nil {
		cleanup()
		return fmt.Errorf("writing checkpoint header: %w", err)
	}
	if _, err := tmp.Write(compressed.Bytes()); err != nil {
		cleanup()
		return fmt.Errorf("writing checkpoint payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming checkpoint into place: %w", err)
	}
	return nil
}

// Load reads and structurally validates a checkpoint file. Parameter
// validation against the current run happens separately via Validate.
func Load(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("%w: missing header line", ErrCorruptCheckpoint)
	}
	var header Header
	if err := json.Unmarshal(data[:nl], &header); err != nil {
		return nil, fmt.Errorf("%w: unreadable header: %v", ErrCorruptCheckpoint, err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrCorruptCheckpoint, header.Version, FormatVersion)
	}

	compressed := data[nl+1:]
	hash := sha256.Sum256(compressed)
	if header.Checksum != "sha256:"+hex.EncodeToString(hash[:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptCheckpoint)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not gzip: %v", ErrCorruptCheckpoint, err)
	}
	defer gzr.Close()
	payload, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCorruptCheckpoint, err)
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: unreadable payload: %v", ErrCorruptCheckpoint, err)
	}
	if p.RunID != header.RunID {
		return nil, fmt.Errorf("%w: header run %s does not match payload run %s", ErrCorruptCheckpoint, header.RunID, p.RunID)
	}
	return &p, nil
}
