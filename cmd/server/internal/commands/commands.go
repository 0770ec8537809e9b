package commands

// Globals holds flags shared by all commands.
type Globals struct {
	Debug   bool
	Version string
}
