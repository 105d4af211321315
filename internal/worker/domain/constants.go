package domain

// Failure messages recorded on jobs
const (
	MsgDownloadTimeout = "download timed out"
	MsgDecodeTimeout   = "decode timed out"
	MsgShutdown        = "import interrupted by shutdown"
)
