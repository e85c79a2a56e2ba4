package misc

// NetworkTerms mark payload fields that may point at a remote location;
// such fields are dropped from backups
var NetworkTerms = []string{
	"url", "uri", "endpoint", "server", "remote", "upload",
	"webhook", "callback", "sync", "transmit", "host", "proxy",
}

// RemoteSchemes are rejected anywhere in an imported bundle when followed by "://"
var RemoteSchemes = []string{
	"http", "https", "ftp", "ftps", "sftp", "ws", "wss", "smb", "s3", "gs",
}

// CredentialTerms flag unprotected keys that look like credentials
var CredentialTerms = []string{
	"token", "auth", "api", "password", "secret", "credential", "private",
}

// FinancialTerms flag unprotected keys and outgoing requests that look like financial data
var FinancialTerms = []string{
	"income", "salary", "expense", "budget", "balance", "account",
	"tax", "invest", "retirement", "pension", "transaction", "bank",
}
