package syncclient

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a non-blocking message for the user. Failed writes never roll back
// local state; they only produce a notice.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	Table   string      `json:"table,omitempty"`
	Id      string      `json:"id,omitempty"`
	Kind    Kind        `json:"-"`
}
