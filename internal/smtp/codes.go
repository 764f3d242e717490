package smtp

const (
	StatusServiceReady  = "220 %s" // banner
	StatusReadyStartTLS = "220 Ready to start TLS"
	StatusConnClosed    = "221 %s closing connection" // server hostname
	StatusOK            = "250 Ok"
	StatusHello         = "%s Hello %s" // server hostname, client ip
	StatusVerified      = "250 %s"      // mailbox
	StatusCannotVerify  = "252 address might be valid"

	StatusStartMailInput = "354 End data with <CR><LF>.<CR><LF>"

	StatusLocalError        = "451 Error: local error in processing"
	StatusTooManyRecipients = "452 Error: too many recipients"

	StatusLineTooLong     = "500 Error: line too long"
	StatusSyntax          = "501 Syntax: %s" // command usage
	StatusNotImplemented  = `502 Error: command "%s" not implemented`
	StatusDuplicateHelo   = "503 Duplicate HELO/EHLO"
	StatusNestedMail      = "503 Error: nested MAIL command"
	StatusNeedMail        = "503 Error: need MAIL command"
	StatusNeedRcpt        = "503 Error: need RCPT command"
	StatusUnknownMailbox  = "550 Mailbox name invalid"
	StatusMessageTooLarge = "552 Error: message too large"
	StatusInvalidMailbox  = "553 Mailbox name invalid"
)

const CodeOK = 250
