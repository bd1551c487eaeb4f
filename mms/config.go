package mms

const (
	DefaultChunkSize    = 4096
	DefaultMaxOpenFiles = 8
)

// Config is the device simulator configuration.
type Config struct {
	FileRoot     string `yaml:"FileRoot" validate:"required"`          // Path to the files served to clients
	ChunkSize    int    `yaml:"ChunkSize" validate:"gte=64,lte=65000"` // Largest FileRead payload in bytes
	MaxOpenFiles int    `yaml:"MaxOpenFiles" validate:"gte=1"`         // Open files allowed per connection
	Charset      string `yaml:"Charset" validate:"charset"`            // Encoding of file names on the wire
}
