package domain

import "time"

// Execution is one program run on a device, as reported by a terminal in its
// status snapshot. Ids refer to rows of the central database.
type Execution struct {
	Id          int32     `cbor:"id"`
	DeviceId    int32     `cbor:"deviceId"`
	DeviceName  string    `cbor:"deviceName"`
	ProgramId   int32     `cbor:"programId"`
	ProgramName string    `cbor:"programName"`
	UserId      int32     `cbor:"userId"`
	UserName    string    `cbor:"userName"`
	StartDate   time.Time `cbor:"startDate"`

	// Zero while the program has no fixed end
	EndDate  time.Time `cbor:"endDate"`
	Finished bool      `cbor:"finished"`
}
