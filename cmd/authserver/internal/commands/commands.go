package commands

type Globals struct {
	Dev     bool
	Version string
}
