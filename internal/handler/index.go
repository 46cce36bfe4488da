package handler

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Tandem</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2em auto; }
.turn { margin: .5em 0; padding: .5em; border-radius: 6px; }
.user { background: #eef; }
.assistant { background: #efe; }
.pinyin { color: #666; }
.english { color: #999; font-style: italic; }
#characters { white-space: pre-line; color: #555; }
</style>
</head>
<body>
<h1>Tandem</h1>
<form id="topic-form">
  <input id="topic" placeholder="Topic, e.g. household chores" required>
  <button>Start</button>
</form>
<div id="characters"></div>
<div id="history"></div>
<form id="message-form" hidden>
  <input id="message" placeholder="Say something..." autocomplete="off">
  <button>Send</button>
</form>
<script>
let topic = "";
const q = () => "?topic=" + encodeURIComponent(topic);

function render(turn, index) {
  const div = document.createElement("div");
  div.className = "turn " + turn.role;
  if (turn.role === "assistant") {
    const [trad, pinyin, english] = turn.content.split("---").map(s => s.trim());
    div.innerHTML = "<b></b> <span class=trad></span> <button>🔊</button><div class=pinyin></div><div class=english></div>";
    div.querySelector(".trad").textContent = trad || "";
    div.querySelector(".pinyin").textContent = pinyin || "";
    div.querySelector(".english").textContent = english || "";
    div.querySelector("button").onclick = () => new Audio("/chat/audio" + q() + "&index=" + index).play();
  } else {
    div.innerHTML = "<b></b> <span></span>";
    div.querySelector("span").textContent = turn.content;
  }
  div.querySelector("b").textContent = "[" + turn.author + "]:";
  document.getElementById("history").appendChild(div);
}

document.getElementById("topic-form").onsubmit = async e => {
  e.preventDefault();
  topic = document.getElementById("topic").value;
  const res = await fetch("/chat" + q());
  if (!res.ok) { alert((await res.json()).error); return; }
  const s = await res.json();
  document.getElementById("characters").textContent = s.character_list;
  document.getElementById("history").innerHTML = "";
  (s.history || []).forEach(render);
  document.getElementById("message-form").hidden = false;
};

document.getElementById("message-form").onsubmit = async e => {
  e.preventDefault();
  const input = document.getElementById("message");
  const body = new URLSearchParams({message: input.value});
  const res = await fetch("/chat/message" + q(), {method: "POST", body});
  if (res.status !== 200) return;
  const m = await res.json();
  render({role: "user", author: m.name, content: m.message}, m.index);
  input.value = "";
  const events = new EventSource("/chat/events" + q());
  events.addEventListener("reply", ev => {
    const r = JSON.parse(ev.data);
    render({role: "assistant", author: r.name, content: r.raw}, r.index);
  });
  events.addEventListener("error", ev => { if (ev.data) alert(JSON.parse(ev.data).error); });
  events.addEventListener("done", () => events.close());
};
</script>
</body>
</html>
`
