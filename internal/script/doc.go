// Package script drives debug sessions from Lua.
//
// A script sets breakpoints through the debugger module and answers pauses
// from on_paused:
//
//	debugger.set_breakpoints({ "main.bal:2", { file = "util.bal", line = 6 } })
//
//	function on_paused(ev)
//	  debugger.log(ev.reason .. " at " .. ev.file .. ":" .. ev.line)
//	  if ev.depth > 1 then
//	    return "step_out"
//	  end
//	  return "step_over"
//	end
//
// on_paused returns resume, step_in, step_over or step_out; nil resumes.
package script
