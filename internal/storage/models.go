package storage

// FileRecord is the persistent unit of progress for one file of one item.
// Primary key is (ItemID, FileName). Status moves pending -> retrying ->
// {pending|failed|done}, or pending -> done, or pending -> failed; those
// transitions are made only by workers, while the scanner's Upsert writes
// a row (fresh or rescanned) as pending.
type FileRecord struct {
	ItemID       string `gorm:"primaryKey;column:item_id" json:"item_id"`
	FileName     string `gorm:"primaryKey;column:file_name" json:"file_name"`
	Status       string `gorm:"index;column:status" json:"status"`
	Size         int64  `gorm:"column:size" json:"size"`
	ExpectedMD5  string `gorm:"column:expected_md5" json:"expected_md5"`
	AttemptCount int    `gorm:"column:attempt_count" json:"attempt_count"`
}

// TableName pins the single-table schema.
func (FileRecord) TableName() string {
	return "files"
}

// Status values a FileRecord may hold.
const (
	StatusPending  = "pending"
	StatusRetrying = "retrying"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

// Counts is the snapshot returned by Store.Counts.
type Counts struct {
	Total    int64
	Done     int64
	Failed   int64
	Pending  int64
	Retrying int64
}
