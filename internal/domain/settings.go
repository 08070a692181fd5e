package domain

// MailboxProtocol selects how source reports are pulled from the mailbox.
type MailboxProtocol string

const (
	ProtocolIMAP MailboxProtocol = "imap"
	ProtocolPOP3 MailboxProtocol = "pop3"
)

// MailSettings is the singleton mailbox + SMTP relay configuration. The
// username/password pair covers the incoming mailbox; the SMTP fields cover
// outgoing summary delivery.
type MailSettings struct {
	MailServer     string          `json:"mail_server" db:"mail_server"`
	MailPort       int             `json:"mail_port" db:"mail_port"`
	ConnectionType MailboxProtocol `json:"connection_type" db:"connection_type"`
	Username       string          `json:"username" db:"username"`
	Password       string          `json:"password,omitempty" db:"password"`
	UseSSL         bool            `json:"use_ssl" db:"use_ssl"`
	SMTPServer     string          `json:"smtp_server" db:"smtp_server"`
	SMTPPort       int             `json:"smtp_port" db:"smtp_port"`
	UseTLS         bool            `json:"use_tls" db:"use_tls"`
	Sender         string          `json:"sender" db:"sender"`
}
