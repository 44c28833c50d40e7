package web

// indexHTML is the single-file browser UI served at "/". It lists flows from
// /api/flows, follows /ws for live updates and drives scans and replays
// through the REST API.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>proxylite</title>
<style>
  :root {
    --bg: #1a1a2e; --bg2: #16213e; --bg3: #0f3460;
    --fg: #e0e0e0; --fg2: #a0a0b0;
    --green: #4caf50; --yellow: #ffc107; --red: #f44336; --cyan: #00bcd4;
    --selected: #1e3a5f; --border: #2a2a4a;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: Menlo, Monaco, 'Courier New', monospace; background: var(--bg); color: var(--fg); height: 100vh; display: flex; flex-direction: column; font-size: 13px; }
  header, .toolbar { display: flex; align-items: center; gap: 10px; padding: 6px 14px; border-bottom: 1px solid var(--border); }
  header { background: var(--bg3); }
  header h1 { font-size: 15px; color: var(--cyan); }
  .muted { color: var(--fg2); font-size: 12px; }
  .dot { width: 8px; height: 8px; border-radius: 50%; background: var(--red); }
  .dot.live { background: var(--green); }
  .toolbar { background: var(--bg2); }
  input, select, textarea { background: var(--bg); border: 1px solid var(--border); color: var(--fg); font-family: inherit; font-size: 12px; padding: 4px 8px; border-radius: 3px; }
  #filter { width: 340px; }
  button { background: var(--bg3); border: 1px solid var(--border); color: var(--fg2); padding: 4px 10px; cursor: pointer; font-family: inherit; font-size: 12px; border-radius: 3px; }
  button:hover { color: var(--fg); border-color: var(--cyan); }
  main { display: flex; flex: 1; overflow: hidden; }
  #list { width: 50%; overflow-y: auto; border-right: 1px solid var(--border); }
  table { width: 100%; border-collapse: collapse; }
  thead { position: sticky; top: 0; background: var(--bg2); }
  th { text-align: left; padding: 6px 8px; color: var(--cyan); font-size: 11px; border-bottom: 1px solid var(--border); }
  td { padding: 4px 8px; border-bottom: 1px solid var(--border); white-space: nowrap; overflow: hidden; text-overflow: ellipsis; max-width: 0; cursor: pointer; }
  tr:hover { background: var(--bg2); }
  tr.selected { background: var(--selected); }
  .s2 { color: var(--green); } .s3 { color: var(--cyan); } .s4 { color: var(--yellow); } .s5 { color: var(--red); }
  #detail { width: 50%; display: flex; flex-direction: column; overflow: hidden; }
  #panes { flex: 1; display: flex; overflow: hidden; }
  pre { flex: 1; padding: 10px; overflow: auto; white-space: pre-wrap; word-break: break-all; border-right: 1px solid var(--border); }
  #results { max-height: 35%; overflow: auto; border-top: 1px solid var(--border); padding: 8px; }
  .ok { color: var(--green); } .fail { color: var(--red); }
</style>
</head>
<body>
<header>
  <h1>proxylite</h1>
  <div class="dot" id="ws-dot"></div>
  <span class="muted" id="proxy-state">proxy: ?</span>
  <button onclick="toggleProxy()">Start/Stop</button>
  <span class="muted" id="stats">0 flows</span>
</header>
<div class="toolbar">
  <input id="filter" placeholder="filter: ~m POST & ~s 5 | ~d example.com" />
  <button onclick="resetFlows()">Clear</button>
  <select id="plugin"><option value="">all enabled plugins</option></select>
  <button onclick="scanSelected()">Scan</button>
  <button onclick="replaySelected()">Replay</button>
  <button onclick="reloadPlugins()">Reload plugins</button>
</div>
<main>
  <div id="list">
    <table>
      <thead><tr><th style="width:50px">#</th><th style="width:22%">Host</th><th style="width:70px">Method</th><th>URL</th><th style="width:60px">Status</th></tr></thead>
      <tbody id="rows"></tbody>
    </table>
  </div>
  <div id="detail">
    <div id="panes"><pre id="req">Select a flow.</pre><pre id="resp"></pre></div>
    <div id="results"></div>
  </div>
</main>
<script>
const flows = new Map();
let selected = null;
let filterTimer = null;

function esc(s) { return String(s).replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c])); }

async function api(method, path, body) {
  const opts = {method, headers: {}};
  if (body !== undefined) { opts.body = JSON.stringify(body); opts.headers['Content-Type'] = 'application/json'; }
  const r = await fetch(path, opts);
  const data = r.status === 204 ? null : await r.json();
  if (!r.ok) throw new Error(data && data.error ? data.error : r.statusText);
  return data;
}

function render() {
  const rows = [];
  for (const f of [...flows.values()].sort((a, b) => a.sequence - b.sequence)) {
    const code = f.statusCode ? String(f.statusCode) : '…';
    rows.push('<tr data-seq="' + f.sequence + '"' + (f.sequence === selected ? ' class="selected"' : '') + '>' +
      '<td>' + f.sequence + '</td><td>' + esc(f.host) + '</td><td>' + esc(f.method) + '</td>' +
      '<td title="' + esc(f.url) + '">' + esc(f.url) + '</td><td class="s' + code[0] + '">' + code + '</td></tr>');
  }
  document.getElementById('rows').innerHTML = rows.join('');
  document.getElementById('stats').textContent = flows.size + ' flows';
}

document.getElementById('rows').addEventListener('click', e => {
  const tr = e.target.closest('tr');
  if (tr) select(Number(tr.dataset.seq));
});

async function select(seq) {
  selected = seq;
  render();
  const raw = await api('GET', '/api/flows/' + seq + '/raw');
  document.getElementById('req').textContent = raw.request;
  document.getElementById('resp').textContent = raw.response;
}

async function load() {
  const q = document.getElementById('filter').value;
  try {
    const all = await api('GET', '/api/flows?filter=' + encodeURIComponent(q));
    flows.clear();
    for (const f of all) flows.set(f.sequence, f);
    render();
  } catch (err) { showResults('<span class="fail">' + esc(err.message) + '</span>'); }
}

document.getElementById('filter').addEventListener('input', () => {
  clearTimeout(filterTimer);
  filterTimer = setTimeout(load, 250);
});

function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.onopen = () => { document.getElementById('ws-dot').className = 'dot live'; };
  ws.onclose = () => { document.getElementById('ws-dot').className = 'dot'; setTimeout(connect, 2000); };
  ws.onmessage = e => {
    const msg = JSON.parse(e.data);
    if (msg.type === 'reset') { flows.clear(); selected = null; render(); return; }
    if (document.getElementById('filter').value) { clearTimeout(filterTimer); filterTimer = setTimeout(load, 250); return; }
    flows.set(msg.flow.sequence, msg.flow);
    render();
    if (msg.flow.sequence === selected) select(selected);
  };
}

function showResults(html) { document.getElementById('results').innerHTML = html; }

async function scanSelected() {
  if (!selected) return;
  try {
    const results = await api('POST', '/api/flows/' + selected + '/scan', {plugin: document.getElementById('plugin').value});
    showResults(results.map(r => {
      const head = '<div class="' + (r.status === 'success' ? 'ok' : 'fail') + '">' + esc(r.name) + ': ' + esc(r.status) +
        (r.error ? ' (' + esc(r.error.message) + ')' : '') + '</div>';
      const notes = Object.entries(r.annotations || {}).map(([k, v]) => '<div>&nbsp;&nbsp;' + esc(k) + ': ' + esc(v) + '</div>');
      const logs = (r.logs || []).map(l => '<div class="muted">&nbsp;&nbsp;' + esc(l) + '</div>');
      return head + notes.join('') + logs.join('');
    }).join('') || '<span class="muted">no enabled plugins</span>');
  } catch (err) { showResults('<span class="fail">' + esc(err.message) + '</span>'); }
}

async function replaySelected() {
  if (!selected) return;
  try {
    const reply = await api('POST', '/api/flows/' + selected + '/replay');
    showResults('<pre>' + esc(reply.text) + '</pre>');
  } catch (err) { showResults('<span class="fail">' + esc(err.message) + '</span>'); }
}

async function resetFlows() {
  try { await api('DELETE', '/api/flows'); flows.clear(); selected = null; render(); }
  catch (err) { showResults('<span class="fail">' + esc(err.message) + '</span>'); }
}

async function loadPlugins(data) {
  data = data || await api('GET', '/api/plugins');
  const sel = document.getElementById('plugin');
  sel.innerHTML = '<option value="">all enabled plugins</option>' +
    data.plugins.map(p => '<option value="' + esc(p.id) + '">' + esc(p.name) + (p.enabled ? '' : ' (disabled)') + '</option>').join('');
  if (data.failures.length) {
    showResults(data.failures.map(f => '<div class="fail">' + esc(f.unit) + ': ' + esc(f.reason) + '</div>').join(''));
  }
}

async function reloadPlugins() { loadPlugins(await api('POST', '/api/plugins/reload')); }

async function refreshProxy() {
  const st = await api('GET', '/api/proxy');
  document.getElementById('proxy-state').textContent = st.session.running ? 'proxy: ' + st.session.addr : 'proxy: stopped';
  return st.session.running;
}

async function toggleProxy() {
  try {
    const running = await refreshProxy();
    await api('POST', running ? '/api/proxy/stop' : '/api/proxy/start');
  } catch (err) { showResults('<span class="fail">' + esc(err.message) + '</span>'); }
  refreshProxy();
}

load();
loadPlugins();
refreshProxy();
connect();
</script>
</body>
</html>
`
