package api

// dashboardHTML is the monitoring dashboard served at /monitoring/dashboard.
// A single self-contained page polling the /monitoring JSON endpoints.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>FlowCatalyst Dashboard</title>
    <link rel="icon" type="image/svg+xml" href="data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 32 32'%3E%3Crect width='32' height='32' rx='6' fill='%2347a3f3'/%3E%3Cpath d='M17.5 13V6L8 17h6.5v7L24 13h-6.5z' fill='white' stroke='white' stroke-width='0.5' stroke-linecap='round' stroke-linejoin='round'/%3E%3C/svg%3E">
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100 min-h-screen">
    <div class="container mx-auto px-4 py-8">
        <div class="mb-8">
            <div class="flex justify-between items-start mb-4">
                <h1 class="text-3xl font-bold text-gray-900">FlowCatalyst Dashboard</h1>
                <span id="standbyBadge" class="hidden px-3 py-1 rounded-full text-sm font-medium"></span>
            </div>
            <div class="flex items-center space-x-4">
                <div class="flex items-center">
                    <div id="statusIndicator" class="w-3 h-3 rounded-full mr-2 bg-gray-400"></div>
                    <span id="statusText" class="text-sm font-medium">Loading...</span>
                </div>
                <span id="uptimeText" class="text-sm text-gray-600"></span>
                <button id="refreshBtn" class="bg-blue-500 hover:bg-blue-600 text-white px-4 py-2 rounded text-sm">Refresh</button>
            </div>
        </div>

        <div class="grid grid-cols-2 md:grid-cols-4 gap-6 mb-8">
            <div class="bg-white rounded-lg shadow p-6">
                <p class="text-sm font-medium text-gray-600">Active Pools</p>
                <p id="activePools" class="text-2xl font-semibold text-gray-900">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-6">
                <p class="text-sm font-medium text-gray-600">Total Processed</p>
                <p id="totalProcessed" class="text-2xl font-semibold text-gray-900">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-6">
                <p class="text-sm font-medium text-gray-600">Success Rate</p>
                <p id="successRate" class="text-2xl font-semibold text-gray-900">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-6">
                <p class="text-sm font-medium text-gray-600">Queue Depth</p>
                <p id="queueDepth" class="text-2xl font-semibold text-gray-900">-</p>
            </div>
        </div>

        <div class="bg-white rounded-lg shadow mb-8">
            <div class="px-6 py-4 border-b border-gray-200">
                <h2 class="text-lg font-semibold text-gray-900">Process Pools</h2>
            </div>
            <div class="overflow-x-auto">
                <table class="min-w-full divide-y divide-gray-200 text-sm">
                    <thead class="bg-gray-50">
                        <tr>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Pool</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Workers</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Queue</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Processed</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Succeeded</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Failed</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Rate (5m)</th>
                        </tr>
                    </thead>
                    <tbody id="poolTable" class="divide-y divide-gray-200"></tbody>
                </table>
            </div>
        </div>

        <div class="bg-white rounded-lg shadow mb-8">
            <div class="px-6 py-4 border-b border-gray-200">
                <h2 class="text-lg font-semibold text-gray-900">Queues</h2>
            </div>
            <div class="overflow-x-auto">
                <table class="min-w-full divide-y divide-gray-200 text-sm">
                    <thead class="bg-gray-50">
                        <tr>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Queue</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Received</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Consumed</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Pending</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">In Flight</th>
                            <th class="px-6 py-3 text-left font-medium text-gray-500 uppercase">Throughput</th>
                        </tr>
                    </thead>
                    <tbody id="queueTable" class="divide-y divide-gray-200"></tbody>
                </table>
            </div>
        </div>

        <div class="grid grid-cols-1 lg:grid-cols-2 gap-8">
            <div class="bg-white rounded-lg shadow">
                <div class="px-6 py-4 border-b border-gray-200 flex justify-between items-center">
                    <h2 class="text-lg font-semibold text-gray-900">Warnings</h2>
                    <span id="warningCount" class="text-sm text-gray-500"></span>
                </div>
                <div id="warningList" class="divide-y divide-gray-200 max-h-96 overflow-y-auto"></div>
            </div>

            <div class="bg-white rounded-lg shadow">
                <div class="px-6 py-4 border-b border-gray-200">
                    <h2 class="text-lg font-semibold text-gray-900">Circuit Breakers</h2>
                </div>
                <div id="breakerList" class="divide-y divide-gray-200 max-h-96 overflow-y-auto"></div>
            </div>
        </div>
    </div>

    <script>
        const severityColors = {
            CRITICAL: 'bg-red-100 text-red-800',
            ERROR: 'bg-red-100 text-red-800',
            WARNING: 'bg-yellow-100 text-yellow-800',
            INFO: 'bg-blue-100 text-blue-800'
        };

        function esc(s) {
            const div = document.createElement('div');
            div.textContent = s == null ? '' : String(s);
            return div.innerHTML;
        }

        function pct(v) {
            return v == null ? '-' : (v * 100).toFixed(1) + '%';
        }

        function uptime(since) {
            const secs = Math.floor((Date.now() - new Date(since).getTime()) / 1000);
            const d = Math.floor(secs / 86400), h = Math.floor(secs % 86400 / 3600), m = Math.floor(secs % 3600 / 60);
            return d > 0 ? d + 'd ' + h + 'h' : h > 0 ? h + 'h ' + m + 'm' : m + 'm';
        }

        async function fetchJSON(url) {
            const res = await fetch(url);
            if (!res.ok) throw new Error(url + ': ' + res.status);
            return res.json();
        }

        function renderHealth(status) {
            const indicator = document.getElementById('statusIndicator');
            const colors = { HEALTHY: 'bg-green-500', DEGRADED: 'bg-yellow-500', UNHEALTHY: 'bg-red-500' };
            indicator.className = 'w-3 h-3 rounded-full mr-2 ' + (colors[status.status] || 'bg-gray-400');
            document.getElementById('statusText').textContent = status.status;
            document.getElementById('uptimeText').textContent = 'up ' + uptime(status.upSince);
            document.getElementById('activePools').textContent = status.activePoolCount;
            document.getElementById('totalProcessed').textContent = status.totalMessagesProcessed.toLocaleString();
            document.getElementById('successRate').textContent = pct(status.overallSuccessRate);
            document.getElementById('queueDepth').textContent = status.currentQueueDepth.toLocaleString();
        }

        function renderPools(stats) {
            document.getElementById('poolTable').innerHTML = Object.values(stats).map(p => '<tr>' +
                '<td class="px-6 py-3 font-medium">' + esc(p.poolCode) + '</td>' +
                '<td class="px-6 py-3">' + p.activeWorkers + '/' + p.maxConcurrency + '</td>' +
                '<td class="px-6 py-3">' + p.queueSize + '/' + p.maxQueueCapacity + '</td>' +
                '<td class="px-6 py-3">' + p.totalProcessed + '</td>' +
                '<td class="px-6 py-3 text-green-700">' + p.totalSucceeded + '</td>' +
                '<td class="px-6 py-3 text-red-700">' + p.totalFailed + '</td>' +
                '<td class="px-6 py-3">' + pct(p.successRate5min) + '</td>' +
            '</tr>').join('') || '<tr><td class="px-6 py-3 text-gray-500" colspan="7">No pools</td></tr>';
        }

        function renderQueues(stats) {
            document.getElementById('queueTable').innerHTML = Object.values(stats).map(q => '<tr>' +
                '<td class="px-6 py-3 font-medium">' + esc(q.name) + '</td>' +
                '<td class="px-6 py-3">' + q.totalMessages + '</td>' +
                '<td class="px-6 py-3">' + q.totalConsumed + '</td>' +
                '<td class="px-6 py-3">' + q.pendingMessages + '</td>' +
                '<td class="px-6 py-3">' + q.messagesNotVisible + '</td>' +
                '<td class="px-6 py-3">' + q.throughput.toFixed(2) + '/s</td>' +
            '</tr>').join('') || '<tr><td class="px-6 py-3 text-gray-500" colspan="6">No queues</td></tr>';
        }

        function renderWarnings(warnings) {
            document.getElementById('warningCount').textContent = warnings.length + ' open';
            document.getElementById('warningList').innerHTML = warnings.map(w => '<div class="px-6 py-3">' +
                '<div class="flex justify-between items-start">' +
                    '<div>' +
                        '<span class="px-2 py-0.5 rounded text-xs font-medium ' + (severityColors[w.severity] || '') + '">' + esc(w.severity) + '</span>' +
                        '<span class="ml-2 text-xs text-gray-500">' + esc(w.category) + (w.count > 1 ? ' ×' + w.count : '') + '</span>' +
                        '<p class="mt-1 text-sm text-gray-900">' + esc(w.message) + '</p>' +
                        '<p class="text-xs text-gray-500">' + esc(w.source) + ' · ' + new Date(w.lastSeen).toLocaleString() + '</p>' +
                    '</div>' +
                    '<button onclick="ack(\'' + esc(w.id) + '\')" class="text-xs text-blue-600 hover:underline">Ack</button>' +
                '</div>' +
            '</div>').join('') || '<div class="px-6 py-4 text-sm text-gray-500">No open warnings</div>';
        }

        function renderBreakers(stats) {
            const stateColors = { CLOSED: 'bg-green-100 text-green-800', OPEN: 'bg-red-100 text-red-800', HALF_OPEN: 'bg-yellow-100 text-yellow-800' };
            document.getElementById('breakerList').innerHTML = Object.values(stats).map(cb => '<div class="px-6 py-3 flex justify-between items-center">' +
                '<div>' +
                    '<p class="text-sm font-medium text-gray-900">' + esc(cb.name) + '</p>' +
                    '<p class="text-xs text-gray-500">' + cb.successfulCalls + ' ok · ' + cb.failedCalls + ' failed · ' + pct(cb.failureRate) + ' failure</p>' +
                '</div>' +
                '<span class="px-2 py-0.5 rounded text-xs font-medium ' + (stateColors[cb.state] || '') + '">' + esc(cb.state) + '</span>' +
            '</div>').join('') || '<div class="px-6 py-4 text-sm text-gray-500">No circuit breakers</div>';
        }

        function renderStandby(status) {
            const badge = document.getElementById('standbyBadge');
            if (!status.standbyEnabled) { badge.classList.add('hidden'); return; }
            badge.classList.remove('hidden');
            if (status.role === 'PRIMARY') {
                badge.className = 'px-3 py-1 rounded-full text-sm font-medium bg-green-100 text-green-800';
            } else {
                badge.className = 'px-3 py-1 rounded-full text-sm font-medium bg-yellow-100 text-yellow-800';
            }
            badge.textContent = status.role + ' · ' + status.instanceId;
        }

        async function ack(id) {
            await fetch('/monitoring/warnings/' + id + '/acknowledge', { method: 'POST' });
            refresh();
        }

        async function refresh() {
            try {
                const [healthStatus, pools, queues, warnings, breakers, standby] = await Promise.all([
                    fetchJSON('/monitoring/health'),
                    fetchJSON('/monitoring/pool-stats'),
                    fetchJSON('/monitoring/queue-stats'),
                    fetchJSON('/monitoring/warnings/unacknowledged'),
                    fetchJSON('/monitoring/circuit-breakers'),
                    fetchJSON('/monitoring/standby-status')
                ]);
                renderHealth(healthStatus);
                renderPools(pools);
                renderQueues(queues);
                renderWarnings(warnings);
                renderBreakers(breakers);
                renderStandby(standby);
            } catch (err) {
                document.getElementById('statusText').textContent = 'Unreachable';
                document.getElementById('statusIndicator').className = 'w-3 h-3 rounded-full mr-2 bg-gray-400';
            }
        }

        document.getElementById('refreshBtn').addEventListener('click', refresh);
        refresh();
        setInterval(refresh, 10000);
    </script>
</body>
</html>
`
