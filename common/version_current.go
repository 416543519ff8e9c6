package common

// CurrentVersion represents the current build version.
// This is the only one in the system
var CurrentVersion = Version{
	Major:  0,
	Minor:  2,
	Patch:  0,
	Suffix: "dev",
}
