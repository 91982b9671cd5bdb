/*
Package storage persists the twin state of the hub emulator in BoltDB.

Each device is one JSON document in the devices bucket, keyed by device id:

	<dataDir>/hub.db
	└── devices
	    ├── tracker-01 → {"id":..,"desired":{..},"desiredVersion":3,..}
	    └── tracker-02 → ...

Desired and reported sections, their versions and the registration flag
survive a restart of the emulator. Telemetry does not.

	store, err := storage.NewBoltStore("/var/lib/tracker-hub")
	if err != nil {
		return err
	}
	defer store.Close()

BoltDB allows one writer process per file; a second emulator pointed at the
same directory fails to open it.
*/
package storage
