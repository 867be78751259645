package output

import (
	"fmt"
	"net/http"
	"time"
)

// ViewerHandler serves the stream viewer with session controls, the
// detection list and the runtime config form
func ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

// StatsHandler shows stream statistics
func (s *Stream) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.Stats()

		status, statusClass := "Idle", "status-stopped"
		if st.Streaming {
			status, statusClass = "Streaming", "status-running"
		}
		lastUpdate := "Never"
		if !st.LastUpdate.IsZero() {
			lastUpdate = time.Since(st.LastUpdate).Round(time.Millisecond).String() + " ago"
		}
		uptime := "N/A"
		if st.Streaming && !st.StartTime.IsZero() {
			uptime = time.Since(st.StartTime).Round(time.Second).String()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>PlateStreamer - Stream Stats</title>
    <style>
        body { font-family: monospace; padding: 20px; background: #1e1e1e; color: #d4d4d4; }
        .stat { margin: 10px 0; }
        .label { color: #569cd6; }
        .value { color: #4ec9b0; }
        .status-running { color: #4ec9b0; }
        .status-stopped { color: #ce9178; }
    </style>
</head>
<body>
    <h1>PlateStreamer Stream Stats</h1>
    <div class="stat"><span class="label">Status:</span> <span class="value %s">%s</span></div>
    <div class="stat"><span class="label">Actual FPS:</span> <span class="value">%.2f</span></div>
    <div class="stat"><span class="label">Frames Served:</span> <span class="value">%d</span></div>
    <div class="stat"><span class="label">Connected Clients:</span> <span class="value">%d</span></div>
    <div class="stat"><span class="label">Last Update:</span> <span class="value">%s</span></div>
    <div class="stat"><span class="label">Uptime:</span> <span class="value">%s</span></div>
    <p><a href="/" style="color: #569cd6;">Viewer</a></p>
</body>
</html>`,
			statusClass, status,
			st.FPS,
			st.FrameCount,
			st.Clients,
			lastUpdate,
			uptime,
		)
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>PlateStreamer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #111;
            color: #ddd;
            font-family: system-ui, -apple-system, sans-serif;
            display: grid;
            grid-template-columns: 1fr 320px;
            min-height: 100vh;
        }
        .stream { display: flex; align-items: center; justify-content: center; background: #000; }
        .stream img { max-width: 100%; max-height: 100vh; object-fit: contain; }
        .panel { padding: 16px; overflow-y: auto; border-left: 1px solid #333; }
        h2 { font-size: 14px; text-transform: uppercase; color: #888; margin: 16px 0 8px; }
        input { width: 100%; padding: 6px; background: #222; color: #ddd; border: 1px solid #444; border-radius: 4px; }
        button { padding: 6px 12px; margin-top: 6px; border: none; border-radius: 4px; background: #2d7d46; color: #fff; cursor: pointer; }
        button.stop { background: #a33; }
        label { display: block; font-size: 12px; margin-top: 6px; }
        ul { list-style: none; }
        li { padding: 6px; border-bottom: 1px solid #222; font-family: monospace; }
        .conf { color: #4ec9b0; float: right; }
        #status { font-size: 12px; color: #888; margin-top: 6px; }
    </style>
</head>
<body>
    <div class="stream"><img id="feed" alt="PlateStreamer Live Stream"></div>
    <div class="panel">
        <h2>Source</h2>
        <input id="source" placeholder="file:/path/video.mp4, device:0, screen or portal">
        <button onclick="start()">Start</button>
        <button class="stop" onclick="stop()">Stop</button>
        <div id="status"></div>

        <h2>Detections</h2>
        <ul id="detections"></ul>

        <h2>Runtime config</h2>
        <form id="config" onsubmit="return saveConfig()"></form>
    </div>
    <script>
        const fields = ['frame_skip', 'resize_width', 'resize_height', 'confidence_threshold',
                        'max_detections_per_frame', 'min_process_interval_seconds'];

        async function api(method, path, body) {
            const r = await fetch(path, {
                method,
                headers: body ? { 'Content-Type': 'application/json' } : {},
                body: body ? JSON.stringify(body) : undefined,
            });
            const data = await r.json().catch(() => ({}));
            if (!r.ok) throw new Error(data.error || r.statusText);
            return data;
        }

        function setStatus(msg) { document.getElementById('status').textContent = msg; }

        async function start() {
            try {
                const s = await api('POST', '/api/session/start', { source: document.getElementById('source').value });
                setStatus(s.state + ' ' + s.source.descriptor);
                document.getElementById('detections').innerHTML = '';
                document.getElementById('feed').src = '/video_feed?t=' + Date.now();
            } catch (e) { setStatus(e.message); }
        }

        async function stop() {
            try {
                const s = await api('POST', '/api/session/stop');
                setStatus(s.state);
            } catch (e) { setStatus(e.message); }
        }

        function addDetection(d) {
            const li = document.createElement('li');
            li.textContent = d.text;
            const c = document.createElement('span');
            c.className = 'conf';
            c.textContent = d.confidence.toFixed(2);
            li.appendChild(c);
            document.getElementById('detections').appendChild(li);
        }

        async function loadDetections() {
            const list = await api('GET', '/api/detections');
            document.getElementById('detections').innerHTML = '';
            list.forEach(addDetection);
        }

        async function loadConfig() {
            const cfg = await api('GET', '/api/config');
            const form = document.getElementById('config');
            form.innerHTML = '';
            fields.forEach(f => {
                const l = document.createElement('label');
                l.textContent = f;
                const i = document.createElement('input');
                i.name = f;
                i.value = cfg[f];
                l.appendChild(i);
                form.appendChild(l);
            });
            const b = document.createElement('button');
            b.textContent = 'Save';
            form.appendChild(b);
        }

        function saveConfig() {
            const body = {};
            new FormData(document.getElementById('config')).forEach((v, k) => { body[k] = Number(v); });
            api('PUT', '/api/config', body).then(loadConfig).catch(e => setStatus(e.message));
            return false;
        }

        function connectFeed() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/api/ws/detections');
            ws.onmessage = (ev) => {
                const msg = JSON.parse(ev.data);
                if (msg.type === 'detections') msg.detections.forEach(addDetection);
            };
            ws.onclose = () => setTimeout(connectFeed, 2000);
        }

        api('GET', '/api/session').then(s => {
            setStatus(s.state);
            if (s.state === 'capturing') document.getElementById('feed').src = '/video_feed';
        }).catch(() => {});
        loadDetections().catch(() => {});
        loadConfig().catch(() => {});
        connectFeed();
    </script>
</body>
</html>`
