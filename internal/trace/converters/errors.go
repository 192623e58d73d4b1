package converters

import (
	"errors"
	"fmt"
)

var errNoIDFPath = errors.New("IDF_PATH environment variable not set; install ESP-IDF and set IDF_PATH to use SystemView conversion")

func wrapOutput(err error, out []byte) error {
	if len(out) == 0 {
		return err
	}
	return fmt.Errorf("%w: %s", err, out)
}
