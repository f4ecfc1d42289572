package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers       []string `mapstructure:"brokers"`
		DomainTopic   string   `mapstructure:"domainTopic"`
		ActivityTopic string   `mapstructure:"activityTopic"`
		GroupID       string   `mapstructure:"groupId"`
	} `mapstructure:"kafka"`
	Replica struct {
		// ID identifies this replica for origin dedup of distributed
		// events. Overridden by the REPLICA_ID env var; a random id is
		// generated when both are empty.
		ID string `mapstructure:"id"`
	} `mapstructure:"replica"`
}
