package types

// SMTP transport security modes.
const (
	SMTPSecurityStartTLS = "starttls"
	SMTPSecurityTLS      = "tls"
	SMTPSecurityNone     = "none"
)

// SMTPConfig holds SMTP mail transport settings.
type SMTPConfig struct {
	Server     string `json:"server" yaml:"server"`
	Port       int    `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	From       string `json:"from" yaml:"from" validate:"omitempty,email"`
	Recipients string `json:"recipients" yaml:"recipients"` // Comma-separated recipient addresses
	Security   string `json:"security" yaml:"security" validate:"omitempty,oneof=starttls tls none"`
}

// GraphConfig holds Microsoft Graph mail transport settings.
type GraphConfig struct {
	TenantID     string `json:"tenant_id" yaml:"tenant_id"`         // Azure AD tenant ID
	ClientID     string `json:"client_id" yaml:"client_id"`         // App registration client ID
	ClientSecret string `json:"client_secret" yaml:"client_secret"` // App registration client secret
	FromAddress  string `json:"from_address" yaml:"from_address"`   // Shared mailbox sender address
	Recipients   string `json:"recipients" yaml:"recipients"`       // Comma-separated recipient addresses
}

// SecretExpiryInfo describes when the Graph client secret expires.
type SecretExpiryInfo struct {
	ExpiresAt   string `json:"expires_at,omitempty"`
	ExpiresSoon bool   `json:"expires_soon"`
	DaysLeft    int    `json:"days_left"`
	Error       string `json:"error,omitempty"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" yaml:"url" validate:"omitempty,url"`
}

// MQTTConfig holds MQTT event publishing settings.
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	QoS      byte   `json:"qos" yaml:"qos" validate:"max=2"`
	Retain   bool   `json:"retain" yaml:"retain"`
}

// ZabbixConfig holds Zabbix trapper settings.
type ZabbixConfig struct {
	Server string `json:"server" yaml:"server"`
	Port   int    `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Host   string `json:"host" yaml:"host"`
	Key    string `json:"key" yaml:"key"`
}

// S3Config holds S3-compatible storage configuration for clip archiving.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"` // Custom endpoint, empty for AWS
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// IsConfigured reports whether uploads can be attempted.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}
