package email

// Config holds email delivery settings. Without a Postmark server token the
// service falls back to DevSender, which writes messages to DevOutputDir.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@receiptkit.local"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@receiptkit.local"`
	ProductName          string `env:"EMAIL_PRODUCT_NAME" envDefault:"ReceiptKit"`
	AppURL               string `env:"APP_URL" envDefault:"http://localhost:8080"`
	DevOutputDir         string `env:"EMAIL_DEV_OUTPUT_DIR" envDefault:"./tmp/emails"`
}
