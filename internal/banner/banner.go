package banner

import (
	"fmt"
	"io"
)

const Version = "1.0.0"

// Print writes the startup banner with the version and broker driver.
func Print(w io.Writer, driver string) {
	banner := `
  ____            _             ____      _
 / __ \ _ __ __ _| | ___ _ __  |  _ \ ___| | __ _ _   _
| |  | | '__/ _  |/ _ \ '__| | |_) / _ \ |/ _  | | | |
| |__| | | | (_| |  __/ |    |  _ <  __/ | (_| | |_| |
 \____/|_|  \__,_|\___|_|    |_| \_\___|_|\__,_|\__, |
                                                |___/
    v%s - broker: %s
`
	fmt.Fprintf(w, banner, Version, driver)
	fmt.Fprintln(w, "------------------------------------------------")
}
