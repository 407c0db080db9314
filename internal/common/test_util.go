package common

import (
	"os"
	"path/filepath"
	"testing"
)

// FieldPattern captures the level and the component of SampleLog lines.
const FieldPattern = `^\[[^\]]+\] (?P<level>[A-Z]+) (?P<component>[a-z]+):`

const SampleLog = `[2024-07-29T00:02:49.231231+00:00] INFO auth: User login successful
[2024-07-29T01:07:21.923832+00:00] ERROR db: Connection timed out
[2024-07-29T01:11:38.258712+00:00] INFO storage: File uploaded successfully
[2024-07-30T00:12:22.799234+00:00] INFO db: Database connection established
[2024-07-30T01:16:57.293873+00:00] ERROR config: Error reading configuration
[2024-07-30T02:20:36.908172+00:00] WARN service: Service restarted
[2024-07-30T03:24:47.245671+00:00] INFO auth: User logged out
[2024-07-30T04:25:27.789664+00:00] ERROR auth: Permission denied
[2024-07-30T05:28:56.918273+00:00] INFO cache: Cache cleared
[2024-07-30T06:29:23.685562+00:00] INFO storage: Backup completed`

// MakeTestFile creates a temporary log file with sample log data for testing purposes.
// It returns the path to the created file.
func MakeTestFile(t *testing.T) (string, []byte) {
	return MakeTestFileWith(t, []byte(SampleLog))
}

func MakeTestFileWith(t *testing.T, content []byte) (string, []byte) {
	dir := t.TempDir()
	testFile := filepath.Join(dir, "test.log")
	err := PopulateFiles(
		map[string][]byte{
			testFile: content,
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return testFile, content
}

// PopulateFiles writes the provided content to files specified in the map.
// The map key is the file path and the value is the content to write.
// Returns an error if any file operation fails.
func PopulateFiles(c map[string][]byte) error {
	for p, content := range c {
		err := os.WriteFile(p, content, os.ModePerm)
		if err != nil {
			return err
		}
	}
	return nil
}
