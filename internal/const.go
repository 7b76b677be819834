// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U32 = 0x04
const LEN_U64 = 0x08

const OS_PAGE = 0x1000

// One completion notice on the wire: tag (u64) | result (i32) | flags (u32)
const NOTICE_SIZE = LEN_U64 + LEN_U32 + LEN_U32

// Receive buffer for a single drain pass. Holds 512 coalesced notices.
const NOTICE_BUF_SIZE = 0x2000

// Default read size used by the streaming driver.
const STREAM_BUF_SIZE = 0x2000

// Notices never leave the process, so we pick the host order. Defined in one place (here).
var Bin = binary.NativeEndian
