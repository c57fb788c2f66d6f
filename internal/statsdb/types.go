package statsdb

// UserRecord is the persisted cumulative record for a user (output from reads).
type UserRecord struct {
	UploadTotal    uint64
	DownloadTotal  uint64
	ReportsTotal   int64
	LastReportUnix int64
}
