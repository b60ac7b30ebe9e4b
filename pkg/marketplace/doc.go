/*
Package marketplace integrates Courier with the remote plugin
marketplace: a thin HTTP client over its API and an installer that
carries an archive from download to a live, wired plugin.

# HTTP surface consumed

	GET {base_url}/plugins        -> JSON array of plugin metadata
	GET {base_url}/plugins/{name} -> JSON object, required download_url,
	                                 optional checksum_sha256

Requests carry Accept: application/json and, when an API key is
configured, Authorization: Bearer <key>. Every call is bounded by the
configured download timeout.

# Installation pipeline

 1. Resolve the download: an explicit source URL on the request wins,
    otherwise the marketplace metadata supplies it.
 2. Pick a writable target: the configured plugin directories probed in
    reverse order, first creatable-and-writable one wins.
 3. Stream the archive to a temp directory; verify SHA-256 when a
    checksum is known (mismatch discards the archive).
 4. Extract into <target>/<plugin>; entries escaping the extraction root
    are rejected.
 5. Install dependencies declared in requirements.txt, off the dispatch
    path.
 6. Enable the plugin in the configuration and persist it.
 7. Reload the plugin manager so the new handlers are wired.

A failure after extraction removes the extracted tree and surfaces the
original error. A failure before extraction leaves any existing
<target>/<plugin> in place, though probing for the target may already
have created a missing plugin directory. Successful
installs are appended to the BoltDB install ledger when one is wired.

Uninstall reverses the procedure: delete the plugin directory, drop the
plugin from plugins, enabled_handlers, and disabled_handlers, persist,
reload.
*/
package marketplace
