package component

type Certificate struct {
	CertFile        string   `mapstructure:"cert_file"`
	KeyFile         string   `mapstructure:"key_file"`
	PKCS12File      string   `mapstructure:"pkcs12_file"`
	PKCS12Password  string   `mapstructure:"pkcs12_password"`
	AdditionalHosts []string `mapstructure:"additional_hosts"`
	AdditionalIPs   []string `mapstructure:"additional_ips"`
}
