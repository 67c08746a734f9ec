package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"proofpay/native/escrow"
)

// Formats accepted by Write.
const (
	FormatJSONL   = "jsonl"
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

var csvHeader = []string{"id", "funder", "beneficiary", "verifier", "amount", "deadline", "status", "proof_hash", "requirement_hash", "created_at"}

// fundRow is the flattened audit record shared by every format.
type fundRow struct {
	ID              int64  `parquet:"name=id, type=INT64" json:"id"`
	Funder          string `parquet:"name=funder, type=BYTE_ARRAY, convertedtype=UTF8" json:"funder"`
	Beneficiary     string `parquet:"name=beneficiary, type=BYTE_ARRAY, convertedtype=UTF8" json:"beneficiary"`
	Verifier        string `parquet:"name=verifier, type=BYTE_ARRAY, convertedtype=UTF8" json:"verifier"`
	Amount          string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8" json:"amount"`
	Deadline        int64  `parquet:"name=deadline, type=INT64" json:"deadline"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8" json:"status"`
	ProofHash       string `parquet:"name=proof_hash, type=BYTE_ARRAY, convertedtype=UTF8" json:"proof_hash"`
	RequirementHash string `parquet:"name=requirement_hash, type=BYTE_ARRAY, convertedtype=UTF8" json:"requirement_hash"`
	CreatedAt       int64  `parquet:"name=created_at, type=INT64" json:"created_at"`
}

func newFundRow(f *escrow.Fund) fundRow {
	row := fundRow{
		ID:              int64(f.ID),
		Funder:          f.Funder.String(),
		Beneficiary:     f.Beneficiary.String(),
		Verifier:        f.Verifier.String(),
		Amount:          "0",
		Deadline:        f.Deadline,
		Status:          f.Status.String(),
		RequirementHash: f.RequirementHash.String(),
		CreatedAt:       f.CreatedAt,
	}
	if f.Amount != nil {
		row.Amount = f.Amount.String()
	}
	if f.ProofHash != nil {
		row.ProofHash = f.ProofHash.String()
	}
	return row
}

// FundsJSONL builds a JSON Lines export and returns the payload alongside
// its SHA-256 checksum.
func FundsJSONL(funds []*escrow.Fund) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, fund := range funds {
		if fund == nil {
			continue
		}
		if err := encoder.Encode(newFundRow(fund)); err != nil {
			return nil, "", err
		}
	}
	return checksummed(buffer.Bytes())
}

// FundsCSV builds a CSV export and returns the payload alongside its
// SHA-256 checksum.
func FundsCSV(funds []*escrow.Fund) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, fund := range funds {
		if fund == nil {
			continue
		}
		row := newFundRow(fund)
		record := []string{
			strconv.FormatInt(row.ID, 10),
			row.Funder,
			row.Beneficiary,
			row.Verifier,
			row.Amount,
			strconv.FormatInt(row.Deadline, 10),
			row.Status,
			row.ProofHash,
			row.RequirementHash,
			strconv.FormatInt(row.CreatedAt, 10),
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return checksummed(buffer.Bytes())
}

func checksummed(data []byte) ([]byte, string, error) {
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// WriteFundsParquet writes a Snappy-compressed Parquet export to w.
func WriteFundsParquet(w io.Writer, funds []*escrow.Fund) error {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(fundRow), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, fund := range funds {
		if fund == nil {
			continue
		}
		row := newFundRow(fund)
		if err := pw.Write(&row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}

// ChecksumSuffix names the sidecar WriteFile leaves next to an export.
const ChecksumSuffix = ".sha256"

// WriteFile writes funds to path in the named format and records the
// SHA-256 of the file in path+ChecksumSuffix, in sha256sum format. It
// returns the hex checksum.
func WriteFile(path, format string, funds []*escrow.Fund) (string, error) {
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("exports: create %s: %w", path, err)
	}
	checksum, err := Write(file, format, funds)
	if err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("exports: close %s: %w", path, err)
	}
	line := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(path))
	if err := os.WriteFile(path+ChecksumSuffix, []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("exports: write checksum: %w", err)
	}
	return checksum, nil
}

// Write encodes funds to w in the named format and returns the hex SHA-256
// of the bytes written.
func Write(w io.Writer, format string, funds []*escrow.Fund) (string, error) {
	digest := sha256.New()
	out := io.MultiWriter(w, digest)
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatParquet:
		if err := WriteFundsParquet(out, funds); err != nil {
			return "", err
		}
		return hex.EncodeToString(digest.Sum(nil)), nil
	case FormatJSONL, "":
		data, _, err = FundsJSONL(funds)
	case FormatCSV:
		data, _, err = FundsCSV(funds)
	default:
		return "", fmt.Errorf("exports: unknown format %q", format)
	}
	if err != nil {
		return "", err
	}
	if _, err := out.Write(data); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
