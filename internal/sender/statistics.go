package sender

// Statistics reports the counters spec §3 names, reported to the peer
// once at teardown when sendStatistics is enabled, and always returned
// to the host process via Sender.Statistics regardless of how the run
// ended.
type Statistics struct {
	TotalFileSize          int64
	TotalRead              int64
	TotalWritten           int64
	NumFiles               int
	NumTransferredFiles    int
	TotalTransferredSize   int64
	TotalLiteralBytes      int64
	TotalMatchedBytes      int64
	TotalFileListBytes     int64
	FileListBuildTimeMs    int64
	FileListTransferTimeMs int64
}
