package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// SubmissionStatus is the lifecycle of a manifest upload.
type SubmissionStatus string

const (
	StatusProcessing SubmissionStatus = "processing"
	StatusCompleted  SubmissionStatus = "completed"
)

// ParseStatus converts a string into a known SubmissionStatus.
func ParseStatus(value string) (SubmissionStatus, bool) {
	switch s := SubmissionStatus(strings.ToLower(strings.TrimSpace(value))); s {
	case StatusProcessing, StatusCompleted:
		return s, true
	default:
		return "", false
	}
}

const (
	DefaultSerialNo    = "Unknown Serial No"
	DefaultProductName = "Unknown Product"
)

type Submission struct {
	ID        uuid.UUID        `db:"id" json:"request_id"`
	Status    SubmissionStatus `db:"status" json:"status"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	// Rows is only populated by detail lookups.
	Rows []ProductRow `db:"-" json:"rows,omitempty"`
}

type ProductRow struct {
	ID              uuid.UUID `db:"id" json:"row_id"`
	SubmissionID    uuid.UUID `db:"submission_id" json:"-"`
	Position        int       `db:"row_index" json:"-"`
	SerialNo        string    `db:"serial_number" json:"serial_no"`
	ProductName     string    `db:"product_name" json:"product_name"`
	InputImageURLs  []string  `db:"input_image_urls" json:"input_image_urls"`
	OutputImageURLs []string  `db:"output_image_urls" json:"output_image_urls"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// RowRecord is one parsed manifest row with defaults already applied.
type RowRecord struct {
	SerialNo       string
	ProductName    string
	InputImageURLs string
}

// NewRowRecord applies the manifest defaults to raw column values.
func NewRowRecord(serialNo, productName, inputURLs string) RowRecord {
	serialNo = strings.TrimSpace(serialNo)
	if serialNo == "" {
		serialNo = DefaultSerialNo
	}
	productName = strings.TrimSpace(productName)
	if productName == "" {
		productName = DefaultProductName
	}
	return RowRecord{SerialNo: serialNo, ProductName: productName, InputImageURLs: inputURLs}
}

// SplitURLs splits a comma separated URL field, trimming entries and dropping
// blanks while keeping order.
func SplitURLs(field string) []string {
	parts := strings.Split(field, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// Job is the queue payload: one per submission.
type Job struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	Rows         []JobRow  `json:"rows"`
}

// JobRow carries one row's manifest values and its persisted key. RowID is
// the nil UUID for jobs produced without row keys.
type JobRow struct {
	RowID          uuid.UUID `json:"row_id"`
	SerialNo       string    `json:"serial_no"`
	ProductName    string    `json:"product_name"`
	InputImageURLs string    `json:"input_image_urls"`
}

// URLs returns the row's usable input URLs.
func (r JobRow) URLs() []string {
	return SplitURLs(r.InputImageURLs)
}

// RowOutputs is the result of processing one row, handed to the status store.
type RowOutputs struct {
	SubmissionID uuid.UUID
	RowID        uuid.UUID
	ProductName  string
	inputURLs    []string
	outputURLs   []string
}

// NewRowOutputs copies the slices so the value cannot be mutated afterwards.
func NewRowOutputs(submissionID, rowID uuid.UUID, productName string, inputURLs, outputURLs []string) RowOutputs {
	return RowOutputs{
		SubmissionID: submissionID,
		RowID:        rowID,
		ProductName:  productName,
		inputURLs:    append([]string(nil), inputURLs...),
		outputURLs:   append([]string{}, outputURLs...),
	}
}

func (o RowOutputs) InputURLs() []string  { return append([]string(nil), o.inputURLs...) }
func (o RowOutputs) OutputURLs() []string { return append([]string{}, o.outputURLs...) }

// SubmissionFilter narrows ListSubmissions. Zero values match everything.
type SubmissionFilter struct {
	Status        SubmissionStatus
	CreatedBefore time.Time
	Limit         int
}
