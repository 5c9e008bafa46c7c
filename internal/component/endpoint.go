package component

type Endpoint struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ApplicationName string `mapstructure:"application_name"`
	ApplicationURI  string `mapstructure:"application_uri"`
	MaxConnections  int    `mapstructure:"max_connections"`
	// HelloTimeout and OpenTimeout are duration strings such as "10s".
	HelloTimeout string `mapstructure:"hello_timeout"`
	OpenTimeout  string `mapstructure:"open_timeout"`
}
