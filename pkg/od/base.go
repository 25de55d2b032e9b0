package od

import (
	_ "embed"
)

//go:embed base.eds
var rawDefaultOd []byte

// Default returns the embedded base object dictionary : the mandatory
// communication profile entries plus the first SDO server parameter.
func Default() *ObjectDictionary {
	defaultOd, err := Parse(rawDefaultOd, 0)
	if err != nil {
		panic(err)
	}
	return defaultOd
}
