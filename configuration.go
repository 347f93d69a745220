package main

type Configuration struct {
	RemoteEndpoint string `required:"true" split_words:"true"`
	SSHEndpoint    string `default:"0.0.0.0:10022" split_words:"true"`
	WebEndpoint    string `default:"0.0.0.0:8080" split_words:"true"`
	HostKey        string `required:"true" split_words:"true"`

	UserWhitelist []string `split_words:"true"`

	LogLevel string `default:"info" split_words:"true"`
}
