package connmgr

import (
	"fmt"
	"strings"
)

// macFromPath extracts the address from a BlueZ device object path.
// Expect .../dev_XX_XX_XX_XX_XX_XX
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}

// bdaddrString formats a kernel bdaddr_t, which stores the address least
// significant byte first.
func bdaddrString(a [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}
