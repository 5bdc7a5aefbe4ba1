// Command mangacrawler runs the manga crawl engine.
//
// Subcommands:
//   - serve: HTTP API, job executors and the update scheduler. In local mode
//     jobs run in-process on a worker pool; in distributed mode the server
//     publishes seed tasks to the configured broker and, unless
//     server.run_consumers is false, consumes them too.
//   - worker: distributed stage consumers only. Run as many as needed against
//     the same broker, claim store and database.
//   - crawl <target>: one full crawl of a configured target, printed as JSON
//     when it finishes.
//
// Configuration comes from the --config file and MANGACRAWLER_* environment
// variables (dots become underscores, e.g. MANGACRAWLER_DATABASE_DSN).
package main
