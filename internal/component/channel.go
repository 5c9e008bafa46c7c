package component

type Channel struct {
	ReceiveBufferSize uint32 `mapstructure:"receive_buffer_size"`
	SendBufferSize    uint32 `mapstructure:"send_buffer_size"`
	MaxMessageSize    uint32 `mapstructure:"max_message_size"`
	MaxChunkCount     uint32 `mapstructure:"max_chunk_count"`
	TokenLifetime     string `mapstructure:"token_lifetime"`
	TransportTimeout  string `mapstructure:"transport_timeout"`
	// SecurityPolicies lists short names or URIs, e.g. "Basic256Sha256".
	SecurityPolicies []string `mapstructure:"security_policies"`
	SecurityMode     string   `mapstructure:"security_mode"`
}
