package carerecords_test

import (
	"context"
	"log"

	carerecords "github.com/care-records-pro/sdk/golang"
)

// The monitor has to be started too: it is what tells the manager the
// backend came back.
func ExampleNewOfflineManager() {
	ctx := context.Background()
	client := carerecords.NewClient("http://localhost:5000")

	store, err := carerecords.OpenSQLiteStore("offline.db")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	monitor := carerecords.NewMonitor(client, nil)
	monitor.Start(ctx)
	defer monitor.Stop()

	offline := carerecords.NewOfflineManager(store, client, &carerecords.OfflineOptions{Monitor: monitor})
	offline.Start(ctx)
	defer offline.Stop()

	records := carerecords.NewRecords(offline)
	resp, err := records.Patients.Create(ctx, &carerecords.Patient{USN: "U100", FullName: "Asha Rao", Age: 42, Gender: "F"})
	if err != nil {
		log.Fatal(err)
	}
	if resp.Queued {
		log.Printf("queued as %s", resp.ChangeID)
	}
}
