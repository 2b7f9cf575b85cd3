package lift

// Config holds the configuration of a lifter. The zero value is valid.
type Config struct {
	// Maximum number of functions lowered concurrently per lift; zero or
	// negative lowers all functions of a kernel concurrently.
	Workers int
}
