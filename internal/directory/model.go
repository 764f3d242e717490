package directory

type Mailbox struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name" yaml:"name"`
}
