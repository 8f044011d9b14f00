package banner

import (
	"fmt"

	"leadsync/pkg/config"
)

const banner = `
██╗     ███████╗ █████╗ ██████╗ ███████╗██╗   ██╗███╗   ██╗ ██████╗
██║     ██╔════╝██╔══██╗██╔══██╗██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║     █████╗  ███████║██║  ██║███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║     ██╔══╝  ██╔══██║██║  ██║╚════██║  ╚██╔╝  ██║╚██╗██║██║
███████╗███████╗██║  ██║██████╔╝███████║   ██║   ██║ ╚═╝ ██║╚██████╗
╚══════╝╚══════╝╚═╝  ╚═╝╚═════╝ ╚══════╝   ╚═╝   ╚═╝     ╚═╝ ╚═════╝
`

// Print displays startup info: effective config, endpoints and readiness
// hints.
func Print(cfg *config.Config, addr, dbPath, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:   %s\n", source)
	}
	fmt.Printf("Tick:     %s\n", cfg.CronExpr())

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/messages - Ingest a chat message (JSON: id, chat, direction, text, ts)")
	fmt.Println("GET  /v1/messages?chat=<id>&limit=<n> - List messages for a chat")
	fmt.Println("GET  /v1/threads - List property threads")
	fmt.Println("GET  /v1/threads/{propertyId} - One thread with its merged record")
	fmt.Println("POST /v1/sync - Trigger a drain-and-sync pass now")
	fmt.Println("GET  /healthz | /metrics | /docs")

	fmt.Println("\n== Production? ================================================")
	if cfg.Classifier.APIKey != "" {
		fmt.Println("- Classifier key: OK")
	} else {
		fmt.Println("- Classifier key: MISSING (set LEADSYNC_OPENAI_API_KEY)")
	}
	if cfg.Sheets.SpreadsheetID != "" {
		fmt.Printf("- Spreadsheet: %s\n", cfg.Sheets.SpreadsheetID)
	} else {
		fmt.Println("- Spreadsheet: MISSING (set LEADSYNC_SPREADSHEET_ID)")
	}
	if cfg.Sheets.CredentialsFile != "" {
		fmt.Println("- Sheets credentials: configured")
	} else {
		fmt.Println("- Sheets credentials: using application default credentials")
	}

	fmt.Println("\n== Logs: ======================================================")
}
